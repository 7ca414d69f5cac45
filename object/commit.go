package object

import (
	"fmt"

	"github.com/forgecellar/gitcore/hash"
)

// Commit is a snapshot of the repository at a point in time: a tree,
// zero-or-more parents, author/committer identities, and a free-form
// message. Unknown header lines encountered while parsing are preserved
// verbatim, in position, to keep OID stability on re-encode.
type Commit struct {
	TreeOID   hash.OID
	Parents   []hash.OID
	Author    Identity
	Committer Identity
	Encoding  string // empty if absent
	GPGSig    string // empty if absent

	// Headers holds the exact ordered header lines as parsed, including
	// any unrecognized ones. It is nil for a Commit built directly from
	// the typed fields above; payload() synthesizes canonical headers in
	// that case.
	Headers []HeaderField
	Message string
}

func (c *Commit) Kind() Kind { return KindCommit }

func (c *Commit) payload() ([]byte, error) {
	fields := c.Headers
	if fields == nil {
		fields = append(fields, HeaderField{Key: "tree", Value: c.TreeOID.String()})
		for _, p := range c.Parents {
			fields = append(fields, HeaderField{Key: "parent", Value: p.String()})
		}
		fields = append(fields, HeaderField{Key: "author", Value: c.Author.String()})
		fields = append(fields, HeaderField{Key: "committer", Value: c.Committer.String()})
		if c.Encoding != "" {
			fields = append(fields, HeaderField{Key: "encoding", Value: c.Encoding})
		}
		if c.GPGSig != "" {
			fields = append(fields, HeaderField{Key: "gpgsig", Value: c.GPGSig})
		}
	}
	if err := validateCommitHeaders(fields); err != nil {
		return nil, err
	}
	return encodeHeaderAndMessage(fields, c.Message), nil
}

func validateCommitHeaders(fields []HeaderField) error {
	if n := countHeader(fields, "tree"); n != 1 {
		return fmt.Errorf("%w: commit must have exactly one tree header, got %d", ErrMalformed, n)
	}
	if n := countHeader(fields, "author"); n != 1 {
		return fmt.Errorf("%w: commit must have exactly one author header, got %d", ErrMalformed, n)
	}
	if n := countHeader(fields, "committer"); n != 1 {
		return fmt.Errorf("%w: commit must have exactly one committer header, got %d", ErrMalformed, n)
	}
	if n := countHeader(fields, "encoding"); n > 1 {
		return fmt.Errorf("%w: commit has %d encoding headers, want at most 1", ErrMalformed, n)
	}
	if n := countHeader(fields, "gpgsig"); n > 1 {
		return fmt.Errorf("%w: commit has %d gpgsig headers, want at most 1", ErrMalformed, n)
	}
	return nil
}

// ParseCommit decodes a commit payload, preserving unknown headers in
// position and validating singular-header cardinality.
func ParseCommit(algo hash.Algorithm, payload []byte) (*Commit, error) {
	fields, message, err := splitHeaderAndMessage(payload)
	if err != nil {
		return nil, err
	}
	if err := validateCommitHeaders(fields); err != nil {
		return nil, err
	}

	c := &Commit{Headers: fields, Message: message}

	treeHex, _ := firstHeader(fields, "tree")
	c.TreeOID, err = algo.FromHex(treeHex)
	if err != nil {
		return nil, fmt.Errorf("%w: bad tree oid: %s", ErrMalformed, err)
	}

	for _, f := range fields {
		if f.Key != "parent" {
			continue
		}
		oid, err := algo.FromHex(f.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: bad parent oid: %s", ErrMalformed, err)
		}
		c.Parents = append(c.Parents, oid)
	}

	authorLine, _ := firstHeader(fields, "author")
	c.Author, err = ParseIdentity(authorLine)
	if err != nil {
		return nil, err
	}
	committerLine, _ := firstHeader(fields, "committer")
	c.Committer, err = ParseIdentity(committerLine)
	if err != nil {
		return nil, err
	}
	c.Encoding, _ = firstHeader(fields, "encoding")
	c.GPGSig, _ = firstHeader(fields, "gpgsig")

	return c, nil
}
