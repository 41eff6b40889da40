package service_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collapsinghierarchy/veilbox/model"
	"github.com/collapsinghierarchy/veilbox/pkc/keycodec"
	"github.com/collapsinghierarchy/veilbox/service"
	"github.com/collapsinghierarchy/veilbox/store"
	"github.com/collapsinghierarchy/veilbox/store/memory"
)

var slowPolicy = service.VisibilityPolicy{
	BatchThreshold: 5,
	MinDelay:       time.Hour,
	MaxDelay:       time.Hour,
	PollInterval:   time.Second,
	RetryBackoff:   time.Millisecond,
}

type fixture struct {
	svc   *service.Service
	store *memory.Store
	ids   *memory.Identity
	users []*model.User
}

func newFixture(t *testing.T, codec keycodec.Codec, opts service.Options, users int) *fixture {
	t.Helper()
	f := &fixture{store: memory.NewStore()}
	for i := 0; i < users; i++ {
		f.users = append(f.users, &model.User{ID: uuid.New(), Email: string(rune('a'+i)) + "@example.com"})
	}
	f.ids = memory.NewIdentity(f.users...)
	svc, err := service.New(f.store, f.ids, codec, opts, nil)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func rsaCodec(t *testing.T) keycodec.Codec {
	t.Helper()
	c, err := keycodec.NewRSA(2048, keycodec.OversizeHybrid)
	require.NoError(t, err)
	return c
}

func visible(t *testing.T, st store.Store, id uuid.UUID) bool {
	t.Helper()
	sub, err := st.GetByID(context.Background(), id)
	require.NoError(t, err)
	return sub.Visible
}

func TestNewRejectsBadOptions(t *testing.T) {
	st, ids := memory.NewStore(), memory.NewIdentity()

	_, err := service.New(st, ids, keycodec.HybridKEM{}, service.Options{Mode: "plain", Visibility: slowPolicy}, nil)
	require.Error(t, err)

	_, err = service.New(st, ids, keycodec.HybridKEM{}, service.Options{Mode: model.SealingSigned, Visibility: slowPolicy}, nil)
	require.Error(t, err)

	bad := slowPolicy
	bad.BatchThreshold = 0
	_, err = service.New(st, ids, keycodec.HybridKEM{}, service.Options{Mode: model.SealingEncrypted, Visibility: bad}, nil)
	require.Error(t, err)
}

func TestBatchThresholdRevealsOldestHidden(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keycodec.HybridKEM{}, service.Options{Mode: model.SealingEncrypted, Visibility: slowPolicy}, 6)

	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		res, err := f.svc.Submit(ctx, f.users[i].ID, "answer")
		require.NoError(t, err)
		require.False(t, res.Outcome.Batched)
		require.Contains(t, res.VisibilityMessage, "unless 5 submissions accumulate")
		ids = append(ids, res.ResponseID)
	}
	for _, id := range ids {
		require.False(t, visible(t, f.store, id))
	}

	res, err := f.svc.Submit(ctx, f.users[4].ID, "fifth")
	require.NoError(t, err)
	require.True(t, res.Outcome.Batched)
	require.Contains(t, res.VisibilityMessage, "batch")
	for _, id := range append(ids, res.ResponseID) {
		require.True(t, visible(t, f.store, id))
	}

	sixth, err := f.svc.Submit(ctx, f.users[5].ID, "sixth")
	require.NoError(t, err)
	require.False(t, sixth.Outcome.Batched)
	require.False(t, visible(t, f.store, sixth.ResponseID))
}

func TestSubmitStoresNoAuthor(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keycodec.HybridKEM{}, service.Options{Mode: model.SealingEncrypted, Visibility: slowPolicy}, 1)

	res, err := f.svc.Submit(ctx, f.users[0].ID, "secret")
	require.NoError(t, err)
	require.NotEmpty(t, res.PrivateKey)

	sub, err := f.store.GetByID(ctx, res.ResponseID)
	require.NoError(t, err)
	require.False(t, sub.AttributedUserID.Valid)
	require.False(t, sub.Verified)
	require.NotContains(t, sub.PublicKey, "PRIVATE")
	require.False(t, sub.RevealAt.IsZero())

	u, err := f.ids.GetUser(ctx, f.users[0].ID)
	require.NoError(t, err)
	require.True(t, u.HasSubmitted)
	require.Equal(t, 1, u.SubmissionCount)
}

// flipRecorder remembers which submissions were made visible, in order.
type flipRecorder struct {
	*memory.Store
	mu      sync.Mutex
	flipped []uuid.UUID
}

func (r *flipRecorder) UpdateIfState(ctx context.Context, id uuid.UUID, c store.Condition, p store.Patch) (bool, error) {
	ok, err := r.Store.UpdateIfState(ctx, id, c, p)
	if ok && c.Field == store.FieldVisible {
		r.mu.Lock()
		r.flipped = append(r.flipped, id)
		r.mu.Unlock()
	}
	return ok, err
}

func (r *flipRecorder) flips() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.flipped...)
}

func TestHelloScenario(t *testing.T) {
	ctx := context.Background()
	policy := slowPolicy
	policy.BatchThreshold = 2
	alice := &model.User{ID: uuid.New(), Email: "alice@example.com"}
	bob := &model.User{ID: uuid.New(), Email: "bob@example.com"}
	st := &flipRecorder{Store: memory.NewStore()}
	svc, err := service.New(st, memory.NewIdentity(alice, bob), rsaCodec(t), service.Options{Mode: model.SealingSigned, Visibility: policy}, nil)
	require.NoError(t, err)

	first, err := svc.Submit(ctx, alice.ID, "hello")
	require.NoError(t, err)
	require.False(t, visible(t, st, first.ResponseID))

	list, err := svc.ListVisible(ctx, true)
	require.NoError(t, err)
	require.Empty(t, list)

	second, err := svc.Submit(ctx, bob.ID, "hi there")
	require.NoError(t, err)
	require.True(t, second.Outcome.Batched)
	require.True(t, visible(t, st, first.ResponseID))
	require.True(t, visible(t, st, second.ResponseID))

	// the batch flips oldest first, which is ascending id order
	require.Equal(t, []uuid.UUID{first.ResponseID, second.ResponseID}, st.flips())
	require.Negative(t, bytes.Compare(first.ResponseID[:], second.ResponseID[:]))

	res, err := svc.VerifyByScan(ctx, alice.ID, first.PrivateKey)
	require.NoError(t, err)
	require.True(t, res.Verified)
	require.Equal(t, first.ResponseID, res.ResponseID)
	require.Equal(t, "hello", res.Content)

	list, err = svc.ListVisible(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 2)
	var hello model.VisibleSubmission
	for _, v := range list {
		if v.ID == first.ResponseID {
			hello = v
		}
	}
	require.True(t, hello.Verified)
	require.Equal(t, alice.ID, hello.AttributedUserID.UUID)
	require.Equal(t, alice.Email, hello.AttributedEmail)

	plain, err := svc.ListVisible(ctx, false)
	require.NoError(t, err)
	for _, v := range plain {
		require.False(t, v.AttributedUserID.Valid)
		require.Empty(t, v.AttributedEmail)
	}
}

func TestVerifyByIDScenario(t *testing.T) {
	ctx := context.Background()
	codec := rsaCodec(t)
	f := newFixture(t, codec, service.Options{Mode: model.SealingSigned, Visibility: slowPolicy}, 1)
	user := f.users[0]

	res, err := f.svc.Submit(ctx, user.ID, "world")
	require.NoError(t, err)

	other, err := codec.GenerateKeyPair()
	require.NoError(t, err)
	got, err := f.svc.VerifyByID(ctx, user.ID, res.ResponseID, other.PrivateKey)
	require.NoError(t, err)
	require.False(t, got.Verified)
	require.Equal(t, service.ReasonProofFailed, got.Reason)

	got, err = f.svc.VerifyByID(ctx, user.ID, uuid.New(), res.PrivateKey)
	require.NoError(t, err)
	require.False(t, got.Verified)
	require.Equal(t, service.ReasonProofFailed, got.Reason)

	got, err = f.svc.VerifyByID(ctx, user.ID, res.ResponseID, "not a key")
	require.NoError(t, err)
	require.Equal(t, service.ReasonProofFailed, got.Reason)

	got, err = f.svc.VerifyByID(ctx, user.ID, res.ResponseID, res.PrivateKey)
	require.NoError(t, err)
	require.True(t, got.Verified)
	require.Equal(t, "world", got.Content)

	sub, err := f.store.GetByID(ctx, res.ResponseID)
	require.NoError(t, err)
	require.True(t, sub.Verified)
	require.True(t, sub.Visible)
	require.Equal(t, user.ID, sub.AttributedUserID.UUID)

	again, err := f.svc.VerifyByID(ctx, user.ID, res.ResponseID, res.PrivateKey)
	require.NoError(t, err)
	require.False(t, again.Verified)
	require.Equal(t, service.ReasonProofFailed, again.Reason)
}

func TestVerifyAcceptsMangledKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keycodec.HybridKEM{}, service.Options{Mode: model.SealingEncrypted, Visibility: slowPolicy}, 1)
	res, err := f.svc.Submit(ctx, f.users[0].ID, "pasted")
	require.NoError(t, err)

	mangled := []byte(res.PrivateKey)
	for i, b := range mangled {
		if b == '\n' {
			mangled[i] = ' '
		}
	}
	got, err := f.svc.VerifyByScan(ctx, f.users[0].ID, string(mangled))
	require.NoError(t, err)
	require.True(t, got.Verified)
}

func TestVerifyRequiresKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keycodec.HybridKEM{}, service.Options{Mode: model.SealingEncrypted, Visibility: slowPolicy}, 1)

	_, err := f.svc.VerifyByScan(ctx, f.users[0].ID, "  ")
	require.ErrorIs(t, err, service.ErrValidation)
	_, err = f.svc.VerifyByID(ctx, f.users[0].ID, uuid.New(), "")
	require.ErrorIs(t, err, service.ErrValidation)
}

func TestVerifyRequiresSubmission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keycodec.HybridKEM{}, service.Options{Mode: model.SealingEncrypted, Visibility: slowPolicy}, 2)
	res, err := f.svc.Submit(ctx, f.users[0].ID, "mine")
	require.NoError(t, err)

	got, err := f.svc.VerifyByScan(ctx, f.users[1].ID, res.PrivateKey)
	require.NoError(t, err)
	require.False(t, got.Verified)
	require.Equal(t, service.ReasonProofFailed, got.Reason)

	got, err = f.svc.VerifyByID(ctx, f.users[1].ID, res.ResponseID, res.PrivateKey)
	require.NoError(t, err)
	require.False(t, got.Verified)
	require.Equal(t, service.ReasonProofFailed, got.Reason)

	got, err = f.svc.VerifyByID(ctx, uuid.New(), res.ResponseID, res.PrivateKey)
	require.NoError(t, err)
	require.False(t, got.Verified)

	sub, err := f.store.GetByID(ctx, res.ResponseID)
	require.NoError(t, err)
	require.False(t, sub.Verified)
}

func TestConcurrentVerifyHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keycodec.HybridKEM{}, service.Options{Mode: model.SealingEncrypted, Visibility: slowPolicy}, 1)
	user := f.users[0]
	res, err := f.svc.Submit(ctx, user.ID, "contested")
	require.NoError(t, err)

	const n = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.VerifyByScan(ctx, user.ID, res.PrivateKey)
			if !assert.NoError(t, err) {
				return
			}
			if got.Verified {
				wins.Add(1)
			} else {
				assert.Equal(t, service.ReasonProofFailed, got.Reason)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
}

// contest submits one answer, then lets the author and n other users who
// have all submitted before race to claim it with the author's key. It
// returns the ids of every caller that won.
func contest(t *testing.T, n int, verify func(svc *service.Service, userID uuid.UUID, res *service.SubmitResult) (*model.VerificationResult, error)) (*memory.Store, *service.SubmitResult, []uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	author := &model.User{ID: uuid.New(), Email: "author@example.com"}
	users := []*model.User{author}
	for i := 0; i < n; i++ {
		users = append(users, &model.User{ID: uuid.New(), Email: uuid.NewString() + "@example.com", HasSubmitted: true, SubmissionCount: 1})
	}
	st := memory.NewStore()
	svc, err := service.New(st, memory.NewIdentity(users...), keycodec.HybridKEM{}, service.Options{Mode: model.SealingEncrypted, Visibility: slowPolicy}, nil)
	require.NoError(t, err)
	res, err := svc.Submit(ctx, author.ID, "contested")
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		winners []uuid.UUID
		wg      sync.WaitGroup
	)
	start := make(chan struct{})
	for _, u := range users {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			<-start
			got, err := verify(svc, id, res)
			if !assert.NoError(t, err) {
				return
			}
			if got.Verified {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
				return
			}
			assert.Equal(t, service.ReasonProofFailed, got.Reason)
		}(u.ID)
	}
	close(start)
	wg.Wait()
	return st, res, winners
}

func TestDistinctScannersHaveOneWinner(t *testing.T) {
	st, res, winners := contest(t, 8, func(svc *service.Service, userID uuid.UUID, res *service.SubmitResult) (*model.VerificationResult, error) {
		return svc.VerifyByScan(context.Background(), userID, res.PrivateKey)
	})
	require.Len(t, winners, 1)

	sub, err := st.GetByID(context.Background(), res.ResponseID)
	require.NoError(t, err)
	require.True(t, sub.Verified)
	require.Equal(t, winners[0], sub.AttributedUserID.UUID)
}

func TestDistinctVerifiersByIDHaveOneWinner(t *testing.T) {
	st, res, winners := contest(t, 8, func(svc *service.Service, userID uuid.UUID, res *service.SubmitResult) (*model.VerificationResult, error) {
		return svc.VerifyByID(context.Background(), userID, res.ResponseID, res.PrivateKey)
	})
	require.Len(t, winners, 1)

	sub, err := st.GetByID(context.Background(), res.ResponseID)
	require.NoError(t, err)
	require.True(t, sub.Verified)
	require.Equal(t, winners[0], sub.AttributedUserID.UUID)
}

// countingStore counts how often a scan is started.
type countingStore struct {
	*memory.Store
	streams atomic.Int32
}

func (c *countingStore) StreamSubmissions(ctx context.Context, f store.Filter, sort store.Sort, fn func(*model.Submission) error) error {
	c.streams.Add(1)
	return c.Store.StreamSubmissions(ctx, f, sort, fn)
}

func TestVerifyByScanSkipsScanForForeignKey(t *testing.T) {
	ctx := context.Background()
	user := &model.User{ID: uuid.New(), Email: "a@example.com"}
	st := &countingStore{Store: memory.NewStore()}
	svc, err := service.New(st, memory.NewIdentity(user), keycodec.HybridKEM{}, service.Options{Mode: model.SealingEncrypted, Visibility: slowPolicy}, nil)
	require.NoError(t, err)
	_, err = svc.Submit(ctx, user.ID, "mine")
	require.NoError(t, err)

	// well-formed armor, but not a key this deployment can derive from
	foreign, err := rsaCodec(t).GenerateKeyPair()
	require.NoError(t, err)
	got, err := svc.VerifyByScan(ctx, user.ID, foreign.PrivateKey)
	require.NoError(t, err)
	require.False(t, got.Verified)
	require.Equal(t, service.ReasonProofFailed, got.Reason)
	require.Zero(t, st.streams.Load())
}

func TestMarkVisibleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keycodec.HybridKEM{}, service.Options{Mode: model.SealingEncrypted, Visibility: slowPolicy}, 1)
	res, err := f.svc.Submit(ctx, f.users[0].ID, "once")
	require.NoError(t, err)

	ok, err := f.svc.MarkVisible(ctx, res.ResponseID)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.svc.MarkVisible(ctx, res.ResponseID)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = f.svc.MarkVisible(ctx, uuid.New())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keycodec.HybridKEM{}, service.Options{
		Mode:                    model.SealingEncrypted,
		EnforceSingleSubmission: true,
		MaxContentBytes:         8,
		Visibility:              slowPolicy,
	}, 1)
	user := f.users[0].ID

	_, err := f.svc.Submit(ctx, user, "   ")
	require.ErrorIs(t, err, service.ErrValidation)
	_, err = f.svc.Submit(ctx, user, "far too long")
	require.ErrorIs(t, err, service.ErrValidation)

	_, err = f.svc.Submit(ctx, user, "ok")
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, user, "again")
	require.ErrorIs(t, err, service.ErrAlreadySubmitted)
}

func TestConcurrentSubmitsFromOneUserCountOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keycodec.HybridKEM{}, service.Options{
		Mode:                    model.SealingEncrypted,
		EnforceSingleSubmission: true,
		Visibility:              slowPolicy,
	}, 1)
	user := f.users[0].ID

	const n = 8
	var (
		accepted, refused atomic.Int32
		wg                sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Submit(ctx, user, "only once")
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, service.ErrAlreadySubmitted):
				refused.Add(1)
			default:
				assert.NoError(t, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), accepted.Load())
	require.Equal(t, int32(n-1), refused.Load())
	count, err := f.store.Count(ctx, store.Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, count)
	u, err := f.ids.GetUser(ctx, user)
	require.NoError(t, err)
	require.Equal(t, 1, u.SubmissionCount)
}

func TestFailedSubmitReleasesClaim(t *testing.T) {
	ctx := context.Background()
	codec, err := keycodec.NewRSA(2048, keycodec.OversizeReject)
	require.NoError(t, err)
	f := newFixture(t, codec, service.Options{
		Mode:                    model.SealingEncrypted,
		EnforceSingleSubmission: true,
		Visibility:              slowPolicy,
	}, 1)
	user := f.users[0].ID

	big := strings.Repeat("x", keycodec.MaxDirectPlaintext(2048)+1)
	_, err = f.svc.Submit(ctx, user, big)
	require.ErrorIs(t, err, service.ErrValidation)

	u, err := f.ids.GetUser(ctx, user)
	require.NoError(t, err)
	require.False(t, u.HasSubmitted)
	require.Zero(t, u.SubmissionCount)

	_, err = f.svc.Submit(ctx, user, "short")
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, user, "short")
	require.ErrorIs(t, err, service.ErrAlreadySubmitted)
}

func TestSubmitRejectsOversizeUnderRejectPolicy(t *testing.T) {
	codec, err := keycodec.NewRSA(2048, keycodec.OversizeReject)
	require.NoError(t, err)
	f := newFixture(t, codec, service.Options{Mode: model.SealingEncrypted, Visibility: slowPolicy}, 1)

	big := make([]byte, keycodec.MaxDirectPlaintext(2048)+1)
	for i := range big {
		big[i] = 'x'
	}
	_, err = f.svc.Submit(context.Background(), f.users[0].ID, string(big))
	require.ErrorIs(t, err, service.ErrValidation)
}

// stuckCodec always issues the same key pair.
type stuckCodec struct{ keycodec.HybridKEM }

func (stuckCodec) GenerateKeyPair() (keycodec.KeyPair, error) {
	return keycodec.KeyPair{PublicKey: "fixed-public", PrivateKey: "fixed-private"}, nil
}

func (stuckCodec) Encrypt(data []byte, _ string) ([]byte, error) { return data, nil }

func TestSubmitGivesUpOnKeyCollisions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, stuckCodec{}, service.Options{Mode: model.SealingEncrypted, KeyAttempts: 3, Visibility: slowPolicy}, 2)

	_, err := f.svc.Submit(ctx, f.users[0].ID, "first")
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, f.users[1].ID, "second")
	require.ErrorIs(t, err, service.ErrKeyGenerationExhausted)

	n, err := f.store.Count(ctx, store.Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestTimedRevealFires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy := service.VisibilityPolicy{
		BatchThreshold: 100,
		MinDelay:       300 * time.Millisecond,
		MaxDelay:       100 * time.Millisecond,
		PollInterval:   time.Second,
		RetryBackoff:   time.Millisecond,
	}
	f := newFixture(t, keycodec.HybridKEM{}, service.Options{Mode: model.SealingEncrypted, Visibility: policy}, 1)

	events, release := f.svc.Scheduler().Subscribe()
	defer release()

	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	res, err := f.svc.Submit(ctx, f.users[0].ID, "later")
	require.NoError(t, err)
	require.False(t, res.Outcome.Batched)
	require.Contains(t, res.VisibilityMessage, "1 minute")
	require.False(t, visible(t, f.store, res.ResponseID))

	require.Eventually(t, func() bool {
		sub, err := f.store.GetByID(ctx, res.ResponseID)
		return err == nil && sub.Visible
	}, 3*time.Second, 20*time.Millisecond)

	select {
	case ev := <-events:
		require.Equal(t, service.TriggerTimer, ev.Trigger)
		require.Equal(t, 1, ev.Count)
	case <-time.After(time.Second):
		t.Fatal("no reveal event published")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestNextRevealAtBounds(t *testing.T) {
	sched := service.NewScheduler(memory.NewStore(), service.VisibilityPolicy{
		BatchThreshold: 5,
		MinDelay:       time.Minute,
		MaxDelay:       2 * time.Minute,
		PollInterval:   time.Second,
	}, nil)
	from := time.Now()
	for i := 0; i < 200; i++ {
		at, err := sched.NextRevealAt(from)
		require.NoError(t, err)
		require.False(t, at.Before(from.Add(time.Minute)))
		require.False(t, at.After(from.Add(3*time.Minute)))
	}
}

// flakyStore fails conditional updates with ErrTransient until failures runs out.
type flakyStore struct {
	*memory.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) UpdateIfState(ctx context.Context, id uuid.UUID, c store.Condition, p store.Patch) (bool, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return false, errors.Join(store.ErrTransient, errors.New("connection reset"))
	}
	return f.Store.UpdateIfState(ctx, id, c, p)
}

func dueSubmission(t *testing.T, st *memory.Store) uuid.UUID {
	t.Helper()
	id, err := st.Insert(context.Background(), &model.Submission{
		Content:   "due",
		PublicKey: uuid.NewString(),
		Mode:      model.SealingEncrypted,
		RevealAt:  time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)
	return id
}

func TestSweepRetriesTransientFailureOnce(t *testing.T) {
	mem := memory.NewStore()
	flaky := &flakyStore{Store: mem}
	flaky.failures.Store(1)
	id := dueSubmission(t, mem)

	sched := service.NewScheduler(flaky, slowPolicy, nil)
	_, err := sched.Sweep(context.Background())
	require.NoError(t, err)
	require.True(t, visible(t, mem, id))
	require.Equal(t, int32(2), flaky.calls.Load())
}

func TestSweepLeavesRowHiddenWhenStoreKeepsFailing(t *testing.T) {
	mem := memory.NewStore()
	flaky := &flakyStore{Store: mem}
	flaky.failures.Store(2)
	id := dueSubmission(t, mem)

	sched := service.NewScheduler(flaky, slowPolicy, nil)
	_, err := sched.Sweep(context.Background())
	require.Error(t, err)
	require.False(t, visible(t, mem, id))

	// the next sweep picks it up again
	_, err = sched.Sweep(context.Background())
	require.NoError(t, err)
	require.True(t, visible(t, mem, id))
}

func TestSweepBackfillsMissingDueTimes(t *testing.T) {
	ctx := context.Background()
	mem := memory.NewStore()
	id, err := mem.Insert(ctx, &model.Submission{Content: "legacy", PublicKey: "legacy", Mode: model.SealingSigned})
	require.NoError(t, err)

	sched := service.NewScheduler(mem, slowPolicy, nil)
	before := time.Now()
	next, err := sched.Sweep(ctx)
	require.NoError(t, err)

	sub, err := mem.GetByID(ctx, id)
	require.NoError(t, err)
	require.False(t, sub.Visible)
	require.False(t, sub.RevealAt.Before(before.Add(slowPolicy.MinDelay)))
	require.Equal(t, sub.RevealAt, next)
}

func TestListVisibleNewestFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keycodec.HybridKEM{}, service.Options{Mode: model.SealingEncrypted, Visibility: slowPolicy}, 3)

	var ids []uuid.UUID
	for _, u := range f.users {
		res, err := f.svc.Submit(ctx, u.ID, "entry")
		require.NoError(t, err)
		_, err = f.svc.MarkVisible(ctx, res.ResponseID)
		require.NoError(t, err)
		ids = append(ids, res.ResponseID)
	}

	list, err := f.svc.ListVisible(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, ids[2], list[0].ID)
	require.Equal(t, ids[0], list[2].ID)
}

// connPool is a pool with a single connection shared by the store and the
// identity directory.
type connPool chan struct{}

type pooledStore struct {
	*memory.Store
	pool connPool
}

func (p *pooledStore) StreamSubmissions(ctx context.Context, f store.Filter, sort store.Sort, fn func(*model.Submission) error) error {
	p.pool <- struct{}{}
	defer func() { <-p.pool }()
	return p.Store.StreamSubmissions(ctx, f, sort, fn)
}

type pooledIdentity struct {
	*memory.Identity
	pool connPool
}

func (p *pooledIdentity) GetUser(ctx context.Context, id uuid.UUID) (*model.User, error) {
	select {
	case p.pool <- struct{}{}:
		defer func() { <-p.pool }()
		return p.Identity.GetUser(ctx, id)
	case <-time.After(50 * time.Millisecond):
		return nil, errors.New("no free connection")
	}
}

func TestListVisibleResolvesEmailsOutsideStream(t *testing.T) {
	ctx := context.Background()
	pool := make(connPool, 1)
	user := &model.User{ID: uuid.New(), Email: "author@example.com"}
	st := &pooledStore{Store: memory.NewStore(), pool: pool}
	ids := &pooledIdentity{Identity: memory.NewIdentity(user), pool: pool}
	policy := slowPolicy
	policy.BatchThreshold = 1
	svc, err := service.New(st, ids, keycodec.HybridKEM{}, service.Options{Mode: model.SealingEncrypted, Visibility: policy}, nil)
	require.NoError(t, err)

	res, err := svc.Submit(ctx, user.ID, "signed, me")
	require.NoError(t, err)
	got, err := svc.VerifyByID(ctx, user.ID, res.ResponseID, res.PrivateKey)
	require.NoError(t, err)
	require.True(t, got.Verified)

	list, err := svc.ListVisible(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, user.Email, list[0].AttributedEmail)
}

func TestStatusAndSubmitters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, keycodec.HybridKEM{}, service.Options{Mode: model.SealingEncrypted, Visibility: slowPolicy}, 2)
	_, err := f.svc.Submit(ctx, f.users[1].ID, "x")
	require.NoError(t, err)

	st, err := f.svc.MyStatus(ctx, f.users[1].ID)
	require.NoError(t, err)
	require.True(t, st.HasSubmitted)
	require.Equal(t, 1, st.SubmissionCount)

	st, err = f.svc.MyStatus(ctx, f.users[0].ID)
	require.NoError(t, err)
	require.False(t, st.HasSubmitted)

	users, err := f.svc.ListSubmitters(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
}
