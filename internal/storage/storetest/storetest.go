// Package storetest holds a conformance suite every storage backend runs.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokligence/taskd/internal/ledger"
	"github.com/tokligence/taskd/internal/provider"
	"github.com/tokligence/taskd/internal/task"
	"github.com/tokligence/taskd/internal/userstore"
	"github.com/tokligence/taskd/internal/voucher"
)

// Backend is the full set of stores a storage engine provides.
type Backend interface {
	ledger.Store
	task.Store
	voucher.Store
	userstore.Store
}

// Run exercises a fresh backend returned by open for every subtest.
func Run(t *testing.T, open func(t *testing.T) Backend) {
	t.Run("AccountVersioning", func(t *testing.T) { testAccountVersioning(t, open(t)) })
	t.Run("CorrelatedTransactions", func(t *testing.T) { testCorrelatedTransactions(t, open(t)) })
	t.Run("TaskLifecycle", func(t *testing.T) { testTaskLifecycle(t, open(t)) })
	t.Run("ProgressMonotonic", func(t *testing.T) { testProgressMonotonic(t, open(t)) })
	t.Run("TerminalIsFinal", func(t *testing.T) { testTerminalIsFinal(t, open(t)) })
	t.Run("ListTasks", func(t *testing.T) { testListTasks(t, open(t)) })
	t.Run("Vouchers", func(t *testing.T) { testVouchers(t, open(t)) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, open(t)) })
	t.Run("Users", func(t *testing.T) { testUsers(t, open(t)) })
}

func testAccountVersioning(t *testing.T, s Backend) {
	ctx := context.Background()
	_, err := s.GetAccount(ctx, "u1")
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)

	acct, err := s.EnsureAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Version)
	again, err := s.EnsureAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, acct.Version, again.Version)

	next := acct
	next.Balance = 100
	next.Version = 1
	next.UpdatedAt = time.Now().UTC()
	require.NoError(t, s.ApplyTransaction(ctx, 0, next, txn("u1", ledger.TxAdminCredit, 100, ledger.Correlation{})))

	stale := next
	stale.Balance = 50
	err = s.ApplyTransaction(ctx, 0, stale, txn("u1", ledger.TxAdminCredit, 50, ledger.Correlation{}))
	require.ErrorIs(t, err, ledger.ErrVersionConflict)

	got, err := s.GetAccount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.Balance)
	assert.Equal(t, int64(1), got.Version)

	txs, err := s.ListTransactions(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func testCorrelatedTransactions(t *testing.T, s Backend) {
	ctx := context.Background()
	acct, err := s.EnsureAccount(ctx, "u2")
	require.NoError(t, err)
	corr := ledger.Correlation{EventID: "evt_1", EventType: "payment"}

	next := acct
	next.Balance = 10
	next.Version = 1
	first := txn("u2", ledger.TxPaymentCredit, 10, corr)
	require.NoError(t, s.ApplyTransaction(ctx, 0, next, first))

	again := next
	again.Balance = 20
	again.Version = 2
	err = s.ApplyTransaction(ctx, 1, again, txn("u2", ledger.TxPaymentCredit, 10, corr))
	require.ErrorIs(t, err, ledger.ErrDuplicateTransaction)

	// The duplicate insert rolled back the balance update with it.
	got, err := s.GetAccount(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(10), got.Balance)
	assert.Equal(t, int64(1), got.Version)

	found, err := s.FindTransaction(ctx, "evt_1", "payment")
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
	assert.Equal(t, int64(10), found.BalanceDelta)

	_, err = s.FindTransaction(ctx, "evt_1", "other")
	require.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func testTaskLifecycle(t *testing.T, s Backend) {
	ctx := context.Background()
	tk := newTask("owner", string(provider.OutputArtifact))
	require.NoError(t, s.CreateTask(ctx, tk))

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, got.Status)
	assert.Equal(t, "a cat", got.Config["prompt"])
	assert.Equal(t, []string{"https://hooks.example.com/a"}, got.Webhooks)

	_, err = s.GetTaskByExternalID(ctx, "ext-1")
	require.ErrorIs(t, err, task.ErrNotFound)

	ok, err := s.UpdateTask(ctx, tk.ID, task.Patch{
		Status:  task.StatusPtr(task.StatusRunning),
		TaskID:  task.String("ext-1"),
		Outputs: []provider.Output{{URI: "https://cdn.example.com/preview.png"}},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GetTaskByExternalID(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, task.StatusRunning, got.Status)

	outs, err := s.ListOutputs(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, 1, outs[0].Seq)

	arts := []task.Artifact{
		{ID: uuid.NewString(), TaskID: tk.ID, UserID: "owner", Index: 0, Kind: tk.OutputKind, URI: "https://cdn.example.com/0.png", CreatedAt: time.Now().UTC()},
		{ID: uuid.NewString(), TaskID: tk.ID, UserID: "owner", Index: 1, Kind: tk.OutputKind, URI: "https://cdn.example.com/1.png", CreatedAt: time.Now().UTC(),
			Metadata: map[string]string{"generator": "flux"}},
	}
	ok, err = s.CompleteTask(ctx, tk.ID, task.Patch{
		Status:   task.StatusPtr(task.StatusCompleted),
		Progress: provider.Float(1),
		Result:   task.String(arts[0].URI),
	}, arts)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, arts[0].URI, got.Result)
	require.NotNil(t, got.CompletedAt)

	stored, err := s.ListArtifacts(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, 1, stored[1].Index)
	assert.Equal(t, "flux", stored[1].Metadata["generator"])

	owner, err := s.GetUser(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(2), owner.ArtifactCount)
	assert.Equal(t, int64(0), owner.ConceptCount)

	require.NoError(t, s.DeleteTask(ctx, tk.ID))
	_, err = s.GetTask(ctx, tk.ID)
	require.ErrorIs(t, err, task.ErrNotFound)
}

func testProgressMonotonic(t *testing.T, s Backend) {
	ctx := context.Background()
	tk := newTask("owner", string(provider.OutputText))
	require.NoError(t, s.CreateTask(ctx, tk))

	step := func(p task.Patch) task.Task {
		t.Helper()
		_, err := s.UpdateTask(ctx, tk.ID, p)
		require.NoError(t, err)
		got, err := s.GetTask(ctx, tk.ID)
		require.NoError(t, err)
		return got
	}

	got := step(task.Patch{Progress: provider.Float(0.6)})
	assert.Equal(t, 0.6, got.Progress)
	got = step(task.Patch{Progress: provider.Float(0.3)})
	assert.Equal(t, 0.6, got.Progress, "progress must not regress")

	got = step(task.Patch{Stage: task.Int(1), Progress: provider.Float(0.1)})
	assert.Equal(t, 1, got.Stage)
	assert.Equal(t, 0.1, got.Progress, "a new stage resets progress")

	got = step(task.Patch{Stage: task.Int(0), Progress: provider.Float(0.9)})
	assert.Equal(t, 1, got.Stage, "stage must not regress")
	assert.Equal(t, 0.1, got.Progress)

	got = step(task.Patch{Stage: task.Int(1), Progress: provider.Float(0.4)})
	assert.Equal(t, 0.4, got.Progress)
}

func testTerminalIsFinal(t *testing.T, s Backend) {
	ctx := context.Background()
	tk := newTask("owner", string(provider.OutputText))
	require.NoError(t, s.CreateTask(ctx, tk))

	ok, err := s.UpdateTask(ctx, tk.ID, task.Patch{Status: task.StatusPtr(task.StatusFailed), Error: task.String("boom")})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.UpdateTask(ctx, tk.ID, task.Patch{Status: task.StatusPtr(task.StatusRunning), Progress: provider.Float(0.5)})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompleteTask(ctx, tk.ID, task.Patch{Status: task.StatusPtr(task.StatusCompleted)}, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, 0.0, got.Progress)
}

func testListTasks(t *testing.T, s Backend) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 3; i++ {
		tk := newTask("lister", string(provider.OutputText))
		tk.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		tk.UpdatedAt = tk.CreatedAt
		require.NoError(t, s.CreateTask(ctx, tk))
	}
	require.NoError(t, s.CreateTask(ctx, newTask("someone-else", string(provider.OutputText))))

	all, err := s.ListTasks(ctx, task.Filter{UserID: "lister", Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.After(all[1].CreatedAt), "newest first")

	page, err := s.ListTasks(ctx, task.Filter{UserID: "lister", Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	recent, err := s.ListTasks(ctx, task.Filter{UserID: "lister", Since: base.Add(30 * time.Second)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func testVouchers(t *testing.T, s Backend) {
	ctx := context.Background()
	v := voucher.Voucher{
		ID:           uuid.NewString(),
		Code:         "WELCOME",
		Amount:       100,
		Action:       voucher.ActionCredit,
		AllowedUsers: []string{"a", "b"},
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.CreateVoucher(ctx, v))

	found, err := s.FindVouchers(ctx, "welcome")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "WELCOME", found[0].Code)
	assert.Equal(t, []string{"a", "b"}, found[0].AllowedUsers)

	claimed, err := s.ClaimVoucher(ctx, "Welcome", "a")
	require.NoError(t, err)
	assert.True(t, claimed.Used)
	assert.Equal(t, []string{"a"}, claimed.RedeemedBy)

	_, err = s.ClaimVoucher(ctx, "welcome", "b")
	require.ErrorIs(t, err, voucher.ErrExhausted)

	require.NoError(t, s.ReleaseVoucher(ctx, v.ID))
	_, err = s.ClaimVoucher(ctx, "welcome", "b")
	require.NoError(t, err)

	r := voucher.Redemption{ID: uuid.NewString(), VoucherID: v.ID, Code: "WELCOME", UserID: "b", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.RecordRedemption(ctx, r))
	r.ID = uuid.NewString()
	require.ErrorIs(t, s.RecordRedemption(ctx, r), voucher.ErrAlreadyRedeemed)

	redeemed, err := s.HasRedeemed(ctx, "welcome", "b")
	require.NoError(t, err)
	assert.True(t, redeemed)
	redeemed, err = s.HasRedeemed(ctx, "welcome", "a")
	require.NoError(t, err)
	assert.False(t, redeemed)
}

func testConcurrentClaims(t *testing.T, s Backend) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateVoucher(ctx, voucher.Voucher{
			ID:        uuid.NewString(),
			Code:      "BATCH",
			Amount:    10,
			Action:    voucher.ActionCredit,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}))
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		claimed   = map[string]string{}
		exhausted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			v, err := s.ClaimVoucher(ctx, "batch", user)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, voucher.ErrExhausted)
				exhausted++
				return
			}
			_, dup := claimed[v.ID]
			assert.False(t, dup, "instance %s claimed twice", v.ID)
			claimed[v.ID] = user
		}(uuid.NewString())
	}
	wg.Wait()
	assert.Len(t, claimed, 3)
	assert.Equal(t, 5, exhausted)
}

func testUsers(t *testing.T, s Backend) {
	ctx := context.Background()
	_, err := s.GetUser(ctx, "nobody")
	require.ErrorIs(t, err, userstore.ErrNotFound)

	u, err := s.EnsureUser(ctx, userstore.User{ID: "u9", Email: "u9@example.com"})
	require.NoError(t, err)
	assert.Equal(t, userstore.RoleUser, u.Role)
	assert.Equal(t, userstore.StatusActive, u.Status)
	assert.Empty(t, u.Entitlements)

	require.NoError(t, s.SetUserRole(ctx, "u9", userstore.RoleAdmin))
	require.ErrorIs(t, s.SetUserRole(ctx, "nobody", userstore.RoleAdmin), userstore.ErrNotFound)

	granted, err := s.GrantEntitlement(ctx, "u9", "pro")
	require.NoError(t, err)
	assert.True(t, granted)
	granted, err = s.GrantEntitlement(ctx, "u9", "pro")
	require.NoError(t, err)
	assert.False(t, granted)

	u, err = s.GetUser(ctx, "u9")
	require.NoError(t, err)
	assert.True(t, u.IsAdmin())
	assert.True(t, u.HasEntitlement("pro"))
	assert.Equal(t, "u9@example.com", u.Email)
}

func newTask(owner, kind string) task.Task {
	now := time.Now().UTC()
	return task.Task{
		ID:         uuid.NewString(),
		UserID:     owner,
		Generator:  "flux",
		Version:    "1.1",
		Provider:   "replicate",
		OutputKind: kind,
		Config:     map[string]any{"prompt": "a cat"},
		Status:     task.StatusPending,
		Cost:       10,
		Webhooks:   []string{"https://hooks.example.com/a"},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func txn(userID string, typ ledger.TxType, amount int64, corr ledger.Correlation) ledger.Transaction {
	return ledger.Transaction{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         typ,
		Amount:       amount,
		BalanceDelta: amount,
		EventID:      corr.EventID,
		EventType:    corr.EventType,
		CreatedAt:    time.Now().UTC(),
	}
}
