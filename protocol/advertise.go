// Reference advertisement, the first phase of both upload-pack and
// receive-pack. Grounded on lxr-go.git-scm/protocol/advertise-refs.go's
// AdvertiseRefs (HEAD-first, capabilities on HEAD's null-terminator,
// peeled annotated tags via "^{}"), adapted to this repository's
// refs.Store and extended to pick the capability set per service. The
// push-cert nonce (spec.md §6: "issued by the server at RefAdvertise
// (nonce=<token> capability value)") is generated here per session, since
// advertisement is the only point that both knows the service is
// receive-pack and has a writer to put the value on.
package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/forgecellar/gitcore/config"
	"github.com/forgecellar/gitcore/hash"
	"github.com/forgecellar/gitcore/object"
	"github.com/forgecellar/gitcore/pktline"
	"github.com/forgecellar/gitcore/refs"
)

// Service names the protocol session being advertised.
type Service int

const (
	ServiceUploadPack Service = iota
	ServiceReceivePack
)

// capabilities returns the capability set to advertise for this session,
// narrowing the package-level superset by cfg: "allow-tip-sha1-in-want"
// is only offered when uploadpack.allowTipSHA1InWant permits requesting
// an un-advertised object (spec.md §4.8.2 step 2). A nil cfg advertises
// Git's own default, i.e. the capability withheld.
func (s Service) capabilities(cfg *config.Config) CapList {
	if s == ServiceReceivePack {
		return ReceivePackCapabilities.Clone()
	}
	caps := UploadPackCapabilities.Clone()
	if cfg == nil || !cfg.AllowTipSHA1InWant {
		caps.Unset("allow-tip-sha1-in-want")
	}
	return caps
}

// ObjectReader reads an object's kind and payload, satisfied by *odb.ODB.
type ObjectReader interface {
	Read(oid hash.OID) (object.Kind, []byte, error)
}

// AdvertiseRefs writes the capability-advertisement and ref listing that
// begins every upload-pack/receive-pack session. For a receive-pack
// session it also returns the nonce generated for this advertisement, to
// be echoed back by a push-cert and checked by ReceivePack; it is empty
// for upload-pack.
func AdvertiseRefs(store *refs.Store, db ObjectReader, service Service, cfg *config.Config, w *pktline.Writer) (nonce string, err error) {
	all, err := store.ListAll("")
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	caps := service.capabilities(cfg)
	if service == ServiceReceivePack {
		nonce, err = newNonce()
		if err != nil {
			return "", err
		}
		caps.Set("nonce=" + nonce)
	}

	headTarget, isSymref, headOID, headErr := store.ReadRaw("HEAD")
	wroteFirst := false

	if headErr == nil {
		firstOID := headOID
		headResolved := !isSymref
		if isSymref {
			if resolved, rErr := store.Resolve("HEAD"); rErr == nil {
				firstOID = resolved
				headResolved = true
			}
		}
		if headResolved {
			if err := w.WriteString(fmt.Sprintf("%s HEAD\x00%s symref=HEAD:%s\n", firstOID.String(), caps.String(), headTarget)); err != nil {
				return "", err
			}
			wroteFirst = true
		}
	}

	if !wroteFirst {
		zero := firstZero(db)
		if err := w.WriteString(fmt.Sprintf("%s capabilities^{}\x00%s\n", zero.String(), caps.String())); err != nil {
			return "", err
		}
	}

	for _, name := range names {
		if name == "HEAD" {
			continue
		}
		oid := all[name]
		if err := w.WriteString(fmt.Sprintf("%s %s\n", oid.String(), name)); err != nil {
			return "", err
		}
		if peeled, ok := peelTag(db, oid); ok {
			if err := w.WriteString(fmt.Sprintf("%s %s^{}\n", peeled.String(), name)); err != nil {
				return "", err
			}
		}
	}

	if err := w.WriteFlush(); err != nil {
		return "", err
	}
	return nonce, nil
}

// newNonce generates a random push-cert nonce, hex-encoded so it is safe
// to carry as a capability value (no spaces or control characters).
func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func firstZero(db ObjectReader) hash.OID {
	if probe, ok := db.(interface{ Algorithm() hash.Algorithm }); ok {
		return probe.Algorithm().Zero()
	}
	return hash.SHA1.Zero()
}

func peelTag(db ObjectReader, oid hash.OID) (hash.OID, bool) {
	kind, payload, err := db.Read(oid)
	if err != nil || kind != object.KindTag {
		return hash.OID{}, false
	}
	tag, err := object.ParseTag(oid.Algorithm(), payload)
	if err != nil {
		return hash.OID{}, false
	}
	return tag.ObjectOID, true
}
