package refs

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgecellar/gitcore/giterrors"
	"github.com/forgecellar/gitcore/hash"
)

func TestTransactionUpdateWithCorrectPrecondition(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	old := mustOID(t, "1111111111111111111111111111111111111111")
	writeLoose(t, s, "refs/heads/main", old.String()+"\n")

	newOID := mustOID(t, "2222222222222222222222222222222222222222")
	tx := NewTransaction(s, true)
	tx.AddUpdate("refs/heads/main", newOID, &old, "fast-forward")

	result, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, []string{"refs/heads/main"}, result.Applied)

	got, err := s.Resolve("refs/heads/main")
	require.NoError(t, err)
	require.True(t, got.Equal(newOID))
}

func TestTransactionRejectsStalePrecondition(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	actual := mustOID(t, "1111111111111111111111111111111111111111")
	writeLoose(t, s, "refs/heads/main", actual.String()+"\n")

	stale := mustOID(t, "ffffffffffffffffffffffffffffffffffffffff")
	newOID := mustOID(t, "2222222222222222222222222222222222222222")
	tx := NewTransaction(s, true)
	tx.AddUpdate("refs/heads/main", newOID, &stale, "should fail")

	_, err := tx.Commit()
	require.ErrorIs(t, err, giterrors.ErrStalePrecondition)

	got, err := s.Resolve("refs/heads/main")
	require.NoError(t, err)
	require.True(t, got.Equal(actual))
}

func TestTransactionCreateRequiresAbsence(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	zero := hash.SHA1.Zero()
	newOID := mustOID(t, "2222222222222222222222222222222222222222")

	tx := NewTransaction(s, true)
	tx.AddUpdate("refs/heads/new-branch", newOID, &zero, "create")
	_, err := tx.Commit()
	require.NoError(t, err)

	tx2 := NewTransaction(s, true)
	tx2.AddUpdate("refs/heads/new-branch", newOID, &zero, "create again")
	_, err = tx2.Commit()
	require.ErrorIs(t, err, giterrors.ErrStalePrecondition)
}

func TestTransactionDeleteRemovesLooseAndPacked(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	oid := mustOID(t, "1111111111111111111111111111111111111111")
	writeLoose(t, s, "refs/heads/main", oid.String()+"\n")
	require.NoError(t, s.PackRefs())

	tx := NewTransaction(s, true)
	tx.AddDelete("refs/heads/main", &oid, "branch deleted")
	_, err := tx.Commit()
	require.NoError(t, err)

	_, err = s.Resolve("refs/heads/main")
	require.ErrorIs(t, err, giterrors.ErrNotFound)

	packed, _, err := s.ReadPackedRefs()
	require.NoError(t, err)
	_, stillPacked := packed["refs/heads/main"]
	require.False(t, stillPacked)
}

func TestTransactionAtomicRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	oldA := mustOID(t, "1111111111111111111111111111111111111111")
	writeLoose(t, s, "refs/heads/a", oldA.String()+"\n")

	newA := mustOID(t, "2222222222222222222222222222222222222222")
	wrongPrecondition := mustOID(t, "ffffffffffffffffffffffffffffffffffffffff")
	newB := mustOID(t, "3333333333333333333333333333333333333333")

	tx := NewTransaction(s, true)
	tx.AddUpdate("refs/heads/a", newA, &oldA, "update a")
	tx.AddUpdate("refs/heads/b", newB, &wrongPrecondition, "update b should fail precondition")

	_, err := tx.Commit()
	require.ErrorIs(t, err, giterrors.ErrStalePrecondition)

	got, err := s.Resolve("refs/heads/a")
	require.NoError(t, err)
	require.True(t, got.Equal(oldA), "ref a must remain at its pre-transaction value after rollback")
}

func TestTransactionNonAtomicPartialCommit(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	zero := hash.SHA1.Zero()
	newA := mustOID(t, "2222222222222222222222222222222222222222")
	wrongPrecondition := mustOID(t, "ffffffffffffffffffffffffffffffffffffffff")
	newB := mustOID(t, "3333333333333333333333333333333333333333")

	tx := NewTransaction(s, false)
	tx.AddUpdate("refs/heads/a", newA, &zero, "create a")
	tx.AddUpdate("refs/heads/b", newB, &wrongPrecondition, "should fail")

	result, err := tx.Commit()
	require.ErrorIs(t, err, giterrors.ErrStalePrecondition)
	require.Contains(t, result.Applied, "refs/heads/a")
	require.Contains(t, result.Failed, "refs/heads/b")

	got, err := s.Resolve("refs/heads/a")
	require.NoError(t, err)
	require.True(t, got.Equal(newA))
}

// Grounded on odvcencio-got's concurrent CAS test: many goroutines race to
// advance the same ref from a shared starting value, and exactly one must
// win while the rest observe a stale-precondition failure.
func TestTransactionConcurrentCASSingleWinner(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	start := mustOID(t, "1111111111111111111111111111111111111111")
	writeLoose(t, s, "refs/heads/contended", start.String()+"\n")

	const racers = 8
	var wg sync.WaitGroup
	successes := make([]bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			newOID := mustOID(t, hexFor(i))
			tx := NewTransaction(s, true)
			tx.AddUpdate("refs/heads/contended", newOID, &start, "race")
			_, err := tx.Commit()
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, ok := range successes {
		if ok {
			wins++
		}
	}
	require.Equal(t, 1, wins, "exactly one racer must win the CAS")
}

func hexFor(i int) string {
	digit := byte('a' + i%6)
	b := make([]byte, 40)
	for j := range b {
		b[j] = digit
	}
	return string(b)
}
