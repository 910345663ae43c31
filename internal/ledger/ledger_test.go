package ledger

import (
	"context"
	"fmt"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/videogen-platform/internal/models"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.User{}, &Transaction{}))
	return db
}

func seedUser(t *testing.T, db *gorm.DB, id uint64) {
	t.Helper()
	require.NoError(t, db.Create(&models.User{
		ID:       id,
		Email:    fmt.Sprintf("user%d@example.com", id),
		Username: fmt.Sprintf("user%d", id),
	}).Error)
}

func TestDebit_InsufficientCreditsLeavesBalance(t *testing.T) {
	db := openTestDB(t)
	seedUser(t, db, 1)
	l := New(db)
	ctx := context.Background()

	applied, err := l.Credit(ctx, 1, 2, "cs_test_1")
	require.NoError(t, err)
	require.True(t, applied)

	_, err = l.Debit(ctx, 1, 3, "video", "")
	require.ErrorIs(t, err, ErrInsufficientCredits)

	bal, err := l.Balance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, bal)

	var n int64
	require.NoError(t, db.Model(&Transaction{}).Where("kind = ?", KindUsed).Count(&n).Error)
	assert.Zero(t, n)
}

func TestDebit_WritesUsedTransaction(t *testing.T) {
	db := openTestDB(t)
	seedUser(t, db, 1)
	l := New(db)
	ctx := context.Background()

	_, err := l.Credit(ctx, 1, 5, "cs_test_1")
	require.NoError(t, err)

	tx, err := l.Debit(ctx, 1, 3, "18s video", UsedRef("gen1"))
	require.NoError(t, err)
	assert.Equal(t, -3, tx.Amount)
	assert.Equal(t, KindUsed, tx.Kind)

	cached, derived, err := l.Reconcile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, cached)
	assert.Equal(t, cached, derived)
}

func TestCredit_IdempotentPerSession(t *testing.T) {
	db := openTestDB(t)
	seedUser(t, db, 7)
	l := New(db)
	ctx := context.Background()

	applied, err := l.Credit(ctx, 7, 10, "cs_live_abc")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = l.Credit(ctx, 7, 10, "cs_live_abc")
	require.NoError(t, err)
	assert.False(t, applied)

	bal, err := l.Balance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 10, bal)
}

func TestRefund_AppliedOncePerRef(t *testing.T) {
	db := openTestDB(t)
	seedUser(t, db, 3)
	l := New(db)
	ctx := context.Background()

	_, err := l.Credit(ctx, 3, 4, "cs_1")
	require.NoError(t, err)
	_, err = l.Debit(ctx, 3, 4, "video", UsedRef("g"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := l.Refund(ctx, 3, 4, "generation failed", RefundRef("g"))
		require.NoError(t, err)
	}

	bal, err := l.Balance(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 4, bal)

	var n int64
	require.NoError(t, db.Model(&Transaction{}).Where("kind = ?", KindRefund).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestWithTx_RollsBackWithOuterTransaction(t *testing.T) {
	db := openTestDB(t)
	seedUser(t, db, 9)
	ctx := context.Background()
	_, err := New(db).Credit(ctx, 9, 5, "cs_9")
	require.NoError(t, err)

	boom := fmt.Errorf("record insert failed")
	err = db.Transaction(func(tx *gorm.DB) error {
		if _, err := New(db).WithTx(tx).Debit(ctx, 9, 2, "video", UsedRef("x")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	bal, err := New(db).Balance(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, 5, bal)

	_, err = New(db).FindBySourceRef(ctx, UsedRef("x"))
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestInvalidAmounts(t *testing.T) {
	db := openTestDB(t)
	seedUser(t, db, 1)
	l := New(db)
	ctx := context.Background()

	_, err := l.Debit(ctx, 1, 0, "", "")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Refund(ctx, 1, -1, "", "r")
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.Credit(ctx, 1, 5, "")
	assert.Error(t, err)
}
