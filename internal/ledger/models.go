package ledger

import "time"

type Kind string

const (
	KindPurchase Kind = "purchase"
	KindUsed     Kind = "used"
	KindRefund   Kind = "refund"
)

// Transaction is append-only. Amount is signed: used < 0, purchase and refund > 0.
type Transaction struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	UserID      uint64    `gorm:"index;not null" json:"-"`
	Amount      int       `gorm:"not null" json:"amount"`
	Kind        Kind      `gorm:"type:varchar(16);index;not null" json:"kind"`
	Description string    `gorm:"type:varchar(255);not null" json:"description"`
	SourceRef   *string   `gorm:"type:varchar(191);uniqueIndex" json:"source_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (Transaction) TableName() string { return "credit_transactions" }

func UsedRef(generationID string) string   { return "used:" + generationID }
func RefundRef(generationID string) string { return "refund:" + generationID }
