package domain

// Category classifies a money-moving operation for limit accounting.
type Category string

const (
	CategoryAirtime     Category = "AIRTIME"
	CategoryData        Category = "DATA"
	CategoryBillPayment Category = "BILL_PAYMENT"
	CategoryTransfer    Category = "TRANSFER"
	CategoryWithdrawal  Category = "WITHDRAWAL"
	CategoryP2PTransfer Category = "P2P_TRANSFER"

	// CategoryAdjustment marks audited admin corrections. It is not a limit
	// category; Valid() excludes it on purpose.
	CategoryAdjustment Category = "ADJUSTMENT"
)

// Valid reports whether c is a known operation category.
func (c Category) Valid() bool {
	switch c {
	case CategoryAirtime, CategoryData, CategoryBillPayment,
		CategoryTransfer, CategoryWithdrawal, CategoryP2PTransfer:
		return true
	}
	return false
}

// LimitBucket is the running-total bucket a category settles into. Transfers,
// withdrawals and P2P transfers share one bucket; airtime, data and bill
// payments are tracked independently.
type LimitBucket string

const (
	BucketTransfers LimitBucket = "transfers"
	BucketAirtime   LimitBucket = "airtime"
	BucketData      LimitBucket = "data"
	BucketBills     LimitBucket = "bills"
)

// LimitBucket maps a category to its daily running-total bucket.
func (c Category) LimitBucket() LimitBucket {
	switch c {
	case CategoryTransfer, CategoryWithdrawal, CategoryP2PTransfer:
		return BucketTransfers
	case CategoryAirtime:
		return BucketAirtime
	case CategoryData:
		return BucketData
	default:
		return BucketBills
	}
}

// Tier is the identity-verification level controlling spending limits.
type Tier string

const (
	Tier1        Tier = "TIER_1"
	Tier2        Tier = "TIER_2"
	Tier3        Tier = "TIER_3"
	TierUnlimited Tier = "TIER_UNLIMITED"
)

// TxStatus is the terminal state of a ledger transaction record.
type TxStatus string

const (
	TxCompleted TxStatus = "completed"
	TxReversed  TxStatus = "reversed" // compensating record for an earlier transaction
)

// Direction marks which way a transaction leg moves money.
type Direction string

const (
	DirectionDebit  Direction = "debit"
	DirectionCredit Direction = "credit"
)

// IdemStatus is the lifecycle state of an idempotency record.
type IdemStatus string

const (
	IdemPending   IdemStatus = "pending"
	IdemCompleted IdemStatus = "completed"
	IdemFailed    IdemStatus = "failed"
)
