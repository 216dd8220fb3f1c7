package shops

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var settingsCols = []string{
	"shop_id", "name", "currency", "payment_mode", "deposit_amount_cents",
	"cancel_cutoff_minutes", "refund_before_cutoff", "resolver_grace_minutes",
}

func TestGetScansSettings(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	shopID := uuid.New()
	grace := 90

	mock.ExpectQuery("FROM shop_settings").
		WithArgs(shopID).
		WillReturnRows(pgxmock.NewRows(settingsCols).
			AddRow(shopID, "Glow Studio", "USD", "deposit", int64(2500), 1440, true, &grace))

	settings, err := store.Get(context.Background(), shopID)
	require.NoError(t, err)
	assert.Equal(t, "Glow Studio", settings.Name)
	assert.Equal(t, "deposit", settings.PaymentMode)
	assert.Equal(t, int64(2500), settings.DepositAmountCents)
	assert.Equal(t, 1440, settings.CancelCutoffMinutes)
	assert.True(t, settings.RefundBeforeCutoff)
	require.NotNil(t, settings.ResolverGraceMinutes)
	assert.Equal(t, 90, *settings.ResolverGraceMinutes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDefaultsGraceToNil(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	shopID := uuid.New()

	mock.ExpectQuery("FROM shop_settings").
		WithArgs(shopID).
		WillReturnRows(pgxmock.NewRows(settingsCols).
			AddRow(shopID, "Glow Studio", "USD", "none", int64(0), 0, false, (*int)(nil)))

	settings, err := store.Get(context.Background(), shopID)
	require.NoError(t, err)
	assert.Nil(t, settings.ResolverGraceMinutes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUnknownShop(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)

	mock.ExpectQuery("FROM shop_settings").
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	_, err = store.Get(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrShopNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentPolicyMapsSettings(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := NewStore(mock)
	shopID := uuid.New()

	mock.ExpectQuery("FROM shop_settings").
		WithArgs(shopID).
		WillReturnRows(pgxmock.NewRows(settingsCols).
			AddRow(shopID, "Glow Studio", "USD", "deposit", int64(5000), 720, true, (*int)(nil)))

	policy, err := store.CurrentPolicy(context.Background(), shopID)
	require.NoError(t, err)
	assert.Equal(t, "USD", policy.Currency)
	assert.Equal(t, "deposit", policy.PaymentMode)
	assert.Equal(t, int64(5000), policy.DepositAmountCents)
	assert.Equal(t, 720, policy.CancelCutoffMinutes)
	assert.True(t, policy.RefundBeforeCutoff)
	require.NoError(t, mock.ExpectationsWereMet())
}
