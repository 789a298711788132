package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/ledger"
	"github.com/punchamoorthee/paycore/internal/store/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func setup(t *testing.T, opening string) (*ledger.Mutator, *memory.Store, int64) {
	t.Helper()
	mem := memory.NewStore()
	id, err := mem.CreateAccount(context.Background(), "owner-1", domain.Tier2, dec(opening))
	require.NoError(t, err)
	return ledger.NewMutator(mem), mem, id
}

func TestApply_Credit(t *testing.T) {
	m, mem, id := setup(t, "100.00")
	ctx := context.Background()

	rec, err := m.Apply(ctx, id, dec("25.50"), ledger.OperationContext{
		Category:  domain.CategoryTransfer,
		Narrative: "inbound settlement",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, rec.Reference)
	assert.Equal(t, domain.DirectionCredit, rec.Direction)
	assert.Equal(t, domain.TxCompleted, rec.Status)
	assert.True(t, rec.BalanceBefore.Equal(dec("100.00")))
	assert.True(t, rec.BalanceAfter.Equal(dec("125.50")))

	acc, err := mem.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec("125.50")))
	assert.True(t, acc.LedgerBalance.Equal(dec("125.50")))
}

func TestApply_DebitWithFee(t *testing.T) {
	m, mem, id := setup(t, "100.00")
	ctx := context.Background()

	rec, err := m.Apply(ctx, id, dec("-51.00"), ledger.OperationContext{
		Category: domain.CategoryWithdrawal,
		Fee:      dec("1.00"),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.DirectionDebit, rec.Direction)
	assert.True(t, rec.Amount.Equal(dec("50.00")))
	assert.True(t, rec.Fee.Equal(dec("1.00")))
	assert.True(t, rec.TotalAmount.Equal(dec("51.00")))

	acc, err := mem.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec("49.00")))
}

func TestApply_InsufficientFunds(t *testing.T) {
	m, mem, id := setup(t, "50.00")
	ctx := context.Background()

	_, err := m.Apply(ctx, id, dec("-50.01"), ledger.OperationContext{Category: domain.CategoryTransfer})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// The failed attempt leaves no trace.
	acc, err := mem.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec("50.00")))
	assert.Empty(t, mem.AllTransactions())
}

func TestApply_LockedAccount(t *testing.T) {
	m, mem, id := setup(t, "100.00")
	ctx := context.Background()
	require.NoError(t, mem.SetAccountLock(ctx, id, true))

	_, err := m.Apply(ctx, id, dec("-10.00"), ledger.OperationContext{Category: domain.CategoryTransfer})
	assert.ErrorIs(t, err, domain.ErrAccountLocked)
}

func TestApply_ValidationRejections(t *testing.T) {
	m, _, id := setup(t, "100.00")
	ctx := context.Background()

	_, err := m.Apply(ctx, id, decimal.Zero, ledger.OperationContext{Category: domain.CategoryTransfer})
	assert.Error(t, err)

	_, err = m.Apply(ctx, id, dec("10.001"), ledger.OperationContext{Category: domain.CategoryTransfer})
	assert.Error(t, err)

	_, err = m.Apply(ctx, id, dec("10.00"), ledger.OperationContext{
		Category: domain.CategoryTransfer,
		Fee:      dec("-1.00"),
	})
	assert.Error(t, err)
}

func TestTransfer(t *testing.T) {
	mem := memory.NewStore()
	ctx := context.Background()
	from, err := mem.CreateAccount(ctx, "alice", domain.Tier2, dec("100.00"))
	require.NoError(t, err)
	to, err := mem.CreateAccount(ctx, "bob", domain.Tier2, dec("10.00"))
	require.NoError(t, err)
	m := ledger.NewMutator(mem)

	debit, credit, err := m.Transfer(ctx, from, to, dec("40.00"), ledger.OperationContext{
		Category: domain.CategoryP2PTransfer,
		Fee:      dec("0.50"),
	})
	require.NoError(t, err)

	assert.True(t, debit.TotalAmount.Equal(dec("40.50")))
	assert.True(t, credit.TotalAmount.Equal(dec("40.00")))
	assert.True(t, credit.Fee.IsZero())
	assert.Equal(t, debit.Reference, credit.RelatedOperationID)
	assert.NotEqual(t, debit.Reference, credit.Reference)

	sender, _ := mem.GetAccount(ctx, from)
	receiver, _ := mem.GetAccount(ctx, to)
	assert.True(t, sender.Balance.Equal(dec("59.50")))
	assert.True(t, receiver.Balance.Equal(dec("50.00")))
}

func TestTransfer_Rejections(t *testing.T) {
	mem := memory.NewStore()
	ctx := context.Background()
	from, _ := mem.CreateAccount(ctx, "alice", domain.Tier2, dec("100.00"))
	to, _ := mem.CreateAccount(ctx, "bob", domain.Tier2, dec("0.00"))
	m := ledger.NewMutator(mem)

	_, _, err := m.Transfer(ctx, from, to, dec("-5.00"), ledger.OperationContext{Category: domain.CategoryP2PTransfer})
	assert.Error(t, err)

	_, _, err = m.Transfer(ctx, from, from, dec("5.00"), ledger.OperationContext{Category: domain.CategoryP2PTransfer})
	assert.Error(t, err)

	_, _, err = m.Transfer(ctx, from, to, dec("100.01"), ledger.OperationContext{Category: domain.CategoryP2PTransfer})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestReverse_Debit(t *testing.T) {
	m, mem, id := setup(t, "100.00")
	ctx := context.Background()

	orig, err := m.Apply(ctx, id, dec("-30.00"), ledger.OperationContext{Category: domain.CategoryAirtime})
	require.NoError(t, err)

	rev, err := m.Reverse(ctx, orig.Reference, ledger.OperationContext{Narrative: "customer dispute"})
	require.NoError(t, err)

	assert.Equal(t, domain.TxReversed, rev.Status)
	assert.Equal(t, orig.Reference, rev.RelatedOperationID)
	assert.Equal(t, domain.DirectionCredit, rev.Direction)
	assert.True(t, rev.TotalAmount.Equal(dec("30.00")))

	acc, _ := mem.GetAccount(ctx, id)
	assert.True(t, acc.Balance.Equal(dec("100.00")))

	// Original row is untouched.
	got, err := mem.GetTransaction(ctx, orig.Reference)
	require.NoError(t, err)
	assert.Equal(t, domain.TxCompleted, got.Status)
}

func TestReverse_OnlyOnce(t *testing.T) {
	m, _, id := setup(t, "100.00")
	ctx := context.Background()

	orig, err := m.Apply(ctx, id, dec("-30.00"), ledger.OperationContext{Category: domain.CategoryAirtime})
	require.NoError(t, err)

	_, err = m.Reverse(ctx, orig.Reference, ledger.OperationContext{})
	require.NoError(t, err)
	_, err = m.Reverse(ctx, orig.Reference, ledger.OperationContext{})
	assert.ErrorIs(t, err, domain.ErrAlreadyReversed)
}

func TestReverse_ReversalNotReversible(t *testing.T) {
	m, _, id := setup(t, "100.00")
	ctx := context.Background()

	orig, err := m.Apply(ctx, id, dec("-30.00"), ledger.OperationContext{Category: domain.CategoryAirtime})
	require.NoError(t, err)
	rev, err := m.Reverse(ctx, orig.Reference, ledger.OperationContext{})
	require.NoError(t, err)

	_, err = m.Reverse(ctx, rev.Reference, ledger.OperationContext{})
	assert.ErrorIs(t, err, domain.ErrReversalNotAllowed)
}

func TestReverse_CreditNeedsFunds(t *testing.T) {
	m, _, id := setup(t, "0.00")
	ctx := context.Background()

	orig, err := m.Apply(ctx, id, dec("50.00"), ledger.OperationContext{Category: domain.CategoryTransfer})
	require.NoError(t, err)

	// Spend the credited money, then the reversal debit cannot be covered.
	_, err = m.Apply(ctx, id, dec("-40.00"), ledger.OperationContext{Category: domain.CategoryTransfer})
	require.NoError(t, err)

	_, err = m.Reverse(ctx, orig.Reference, ledger.OperationContext{})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestReverse_TransferUnwindsBothLegs(t *testing.T) {
	mem := memory.NewStore()
	ctx := context.Background()
	from, _ := mem.CreateAccount(ctx, "alice", domain.Tier2, dec("100.00"))
	to, _ := mem.CreateAccount(ctx, "bob", domain.Tier2, dec("10.00"))
	m := ledger.NewMutator(mem)

	debit, credit, err := m.Transfer(ctx, from, to, dec("40.00"), ledger.OperationContext{
		Category: domain.CategoryP2PTransfer,
		Fee:      dec("0.50"),
	})
	require.NoError(t, err)

	rev, err := m.Reverse(ctx, debit.Reference, ledger.OperationContext{Narrative: "fraud claim"})
	require.NoError(t, err)
	assert.Equal(t, debit.Reference, rev.RelatedOperationID)
	assert.True(t, rev.TotalAmount.Equal(dec("40.50")))

	// Sender gets the full total back including the fee; recipient gives up
	// the credited amount.
	sender, _ := mem.GetAccount(ctx, from)
	receiver, _ := mem.GetAccount(ctx, to)
	assert.True(t, sender.Balance.Equal(dec("100.00")))
	assert.True(t, receiver.Balance.Equal(dec("10.00")))

	// One compensating record per leg.
	var reversals int
	for _, tx := range mem.AllTransactions() {
		if tx.Status == domain.TxReversed {
			reversals++
		}
	}
	assert.Equal(t, 2, reversals)

	_, err = m.Reverse(ctx, debit.Reference, ledger.OperationContext{})
	assert.ErrorIs(t, err, domain.ErrAlreadyReversed)

	_, err = m.Reverse(ctx, credit.Reference, ledger.OperationContext{})
	assert.ErrorIs(t, err, domain.ErrReversalNotAllowed)
}

func TestReverse_TransferCreditLegNotReversible(t *testing.T) {
	mem := memory.NewStore()
	ctx := context.Background()
	from, _ := mem.CreateAccount(ctx, "alice", domain.Tier2, dec("100.00"))
	to, _ := mem.CreateAccount(ctx, "bob", domain.Tier2, dec("0.00"))
	m := ledger.NewMutator(mem)

	_, credit, err := m.Transfer(ctx, from, to, dec("40.00"), ledger.OperationContext{
		Category: domain.CategoryP2PTransfer,
	})
	require.NoError(t, err)

	_, err = m.Reverse(ctx, credit.Reference, ledger.OperationContext{})
	assert.ErrorIs(t, err, domain.ErrReversalNotAllowed)
}

func TestReverse_TransferNeedsRecipientFunds(t *testing.T) {
	mem := memory.NewStore()
	ctx := context.Background()
	from, _ := mem.CreateAccount(ctx, "alice", domain.Tier2, dec("100.00"))
	to, _ := mem.CreateAccount(ctx, "bob", domain.Tier2, dec("0.00"))
	m := ledger.NewMutator(mem)

	debit, _, err := m.Transfer(ctx, from, to, dec("40.00"), ledger.OperationContext{
		Category: domain.CategoryP2PTransfer,
	})
	require.NoError(t, err)

	// Recipient spends the money; the unwind can no longer be covered and
	// neither side changes.
	_, err = m.Apply(ctx, to, dec("-30.00"), ledger.OperationContext{Category: domain.CategoryTransfer})
	require.NoError(t, err)

	_, err = m.Reverse(ctx, debit.Reference, ledger.OperationContext{})
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	sender, _ := mem.GetAccount(ctx, from)
	receiver, _ := mem.GetAccount(ctx, to)
	assert.True(t, sender.Balance.Equal(dec("60.00")))
	assert.True(t, receiver.Balance.Equal(dec("10.00")))
}

func TestReverse_UnknownReference(t *testing.T) {
	m, _, _ := setup(t, "100.00")

	_, err := m.Reverse(context.Background(), "no-such-ref", ledger.OperationContext{})
	assert.ErrorIs(t, err, domain.ErrTransactionNotFound)
}

func TestApply_GuardedSpendAborts(t *testing.T) {
	m, mem, id := setup(t, "1000.00")
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	spend := &domain.SpendCommit{
		AccountID:  id,
		Day:        day,
		Category:   domain.CategoryAirtime,
		Amount:     dec("80.00"),
		DailyLimit: dec("100.00"),
		Guarded:    true,
	}
	_, err := m.Apply(ctx, id, dec("-80.00"), ledger.OperationContext{Category: domain.CategoryAirtime, Spend: spend})
	require.NoError(t, err)

	// Second spend would push the counter past the limit. Balance must stay
	// untouched because counter and balance commit together.
	_, err = m.Apply(ctx, id, dec("-80.00"), ledger.OperationContext{Category: domain.CategoryAirtime, Spend: spend})
	var limitErr *domain.LimitExceededError
	require.ErrorAs(t, err, &limitErr)

	acc, _ := mem.GetAccount(ctx, id)
	assert.True(t, acc.Balance.Equal(dec("920.00")))

	total, count, err := mem.SpentToday(ctx, id, day, domain.CategoryAirtime)
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("80.00")))
	assert.EqualValues(t, 1, count)
}

func TestApply_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	m, mem, id := setup(t, "100.00")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Apply(ctx, id, dec("-60.00"), ledger.OperationContext{Category: domain.CategoryTransfer})
		}(i)
	}
	wg.Wait()

	var ok, failed int
	for _, err := range errs {
		if err == nil {
			ok++
		} else if assert.ErrorIs(t, err, domain.ErrInsufficientFunds) {
			failed++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)

	acc, _ := mem.GetAccount(ctx, id)
	assert.True(t, acc.Balance.Equal(dec("40.00")))
	assert.Len(t, mem.AllTransactions(), 1)
}
