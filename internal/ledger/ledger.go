package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/suPer8Hu/videogen-platform/internal/models"
	"gorm.io/gorm"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("ledger: amount must be positive")
	ErrDuplicateSourceRef  = errors.New("ledger: source ref already used")
)

// Ledger keeps users.credits and credit_transactions in step. Every balance
// change and its transaction row commit in one database transaction.
type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// WithTx binds the ledger to an outer transaction so a debit can commit
// together with the rows it pays for.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx}
}

func (l *Ledger) Balance(ctx context.Context, userID uint64) (int, error) {
	var u models.User
	if err := l.db.WithContext(ctx).Select("id", "credits").First(&u, "id = ?", userID).Error; err != nil {
		return 0, err
	}
	return u.Credits, nil
}

// Debit fails with ErrInsufficientCredits and leaves the balance untouched
// when balance < amount.
func (l *Ledger) Debit(ctx context.Context, userID uint64, amount int, description, sourceRef string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	var out *Transaction
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if sourceRef != "" {
			exists, err := sourceRefExists(tx, sourceRef)
			if err != nil {
				return err
			}
			if exists {
				return ErrDuplicateSourceRef
			}
		}
		if err := adjustBalance(tx, userID, -amount); err != nil {
			return err
		}
		t, err := insertTransaction(tx, userID, -amount, KindUsed, description, sourceRef)
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Refund returns credits. It is applied at most once per sourceRef; a replay
// reports applied=false.
func (l *Ledger) Refund(ctx context.Context, userID uint64, amount int, reason, sourceRef string) (bool, error) {
	return l.creditOnce(ctx, userID, amount, KindRefund, reason, sourceRef)
}

// Credit records a purchase keyed by the payment session ref. Replays of the
// same confirmation report applied=false and do not change the balance.
func (l *Ledger) Credit(ctx context.Context, userID uint64, amount int, sourceRef string) (bool, error) {
	if sourceRef == "" {
		return false, errors.New("ledger: purchase requires a source ref")
	}
	desc := fmt.Sprintf("purchased %d credits", amount)
	return l.creditOnce(ctx, userID, amount, KindPurchase, desc, sourceRef)
}

func (l *Ledger) creditOnce(ctx context.Context, userID uint64, amount int, kind Kind, description, sourceRef string) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	applied := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if sourceRef != "" {
			exists, err := sourceRefExists(tx, sourceRef)
			if err != nil {
				return err
			}
			if exists {
				return nil
			}
		}
		if err := adjustBalance(tx, userID, amount); err != nil {
			return err
		}
		if _, err := insertTransaction(tx, userID, amount, kind, description, sourceRef); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		// a concurrent writer may have won the unique source_ref
		if sourceRef != "" {
			if exists, getErr := sourceRefExists(l.db.WithContext(ctx), sourceRef); getErr == nil && exists {
				return false, nil
			}
		}
		return false, err
	}
	return applied, nil
}

func (l *Ledger) History(ctx context.Context, userID uint64, limit int) ([]Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var txs []Transaction
	if err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}

// Reconcile returns the cached balance and the balance derived from the
// transaction log; the two are equal unless rows were written outside the ledger.
func (l *Ledger) Reconcile(ctx context.Context, userID uint64) (cached int, derived int, err error) {
	cached, err = l.Balance(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	var sum struct{ Total int }
	if err := l.db.WithContext(ctx).Model(&Transaction{}).
		Select("COALESCE(SUM(amount), 0) AS total").
		Where("user_id = ?", userID).
		Scan(&sum).Error; err != nil {
		return 0, 0, err
	}
	return cached, sum.Total, nil
}

func (l *Ledger) FindBySourceRef(ctx context.Context, sourceRef string) (*Transaction, error) {
	var t Transaction
	if err := l.db.WithContext(ctx).Where("source_ref = ?", sourceRef).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// adjustBalance applies delta in one conditional UPDATE. The write takes the
// row lock, so concurrent callers serialize on it and always see the latest
// committed balance, whatever the isolation level.
func adjustBalance(tx *gorm.DB, userID uint64, delta int) error {
	res := tx.Model(&models.User{}).
		Where("id = ? AND credits + ? >= 0", userID, delta).
		Update("credits", gorm.Expr("credits + ?", delta))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var n int64
	if err := tx.Model(&models.User{}).Where("id = ?", userID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return gorm.ErrRecordNotFound
	}
	return ErrInsufficientCredits
}

func insertTransaction(tx *gorm.DB, userID uint64, amount int, kind Kind, description, sourceRef string) (*Transaction, error) {
	t := &Transaction{
		ID:          uuid.NewString(),
		UserID:      userID,
		Amount:      amount,
		Kind:        kind,
		Description: description,
	}
	if sourceRef != "" {
		ref := sourceRef
		t.SourceRef = &ref
	}
	if err := tx.Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

func sourceRefExists(db *gorm.DB, sourceRef string) (bool, error) {
	var n int64
	if err := db.Model(&Transaction{}).Where("source_ref = ?", sourceRef).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}
