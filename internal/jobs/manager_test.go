package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akrivos/helmsman/internal/modules/accounts"
	"github.com/akrivos/helmsman/internal/modules/experts"
	"github.com/akrivos/helmsman/internal/modules/settings"
	"github.com/akrivos/helmsman/internal/testutil"
)

type managerFixture struct {
	manager  *Manager
	experts  *experts.Repository
	expertID int64
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	conn := db.Conn()
	log := zerolog.Nop()

	settingsRepo := settings.NewRepository(conn, log)
	require.NoError(t, settingsRepo.SeedDefaults())

	account, err := accounts.NewRepository(conn, log).Create(accounts.Account{
		Provider: "mock",
		Name:     "test account",
	})
	require.NoError(t, err)

	expertRepo := experts.NewRepository(conn, log)
	instance, err := expertRepo.Create(experts.Instance{
		AccountID:        account.ID,
		Class:            "noop",
		Enabled:          true,
		VirtualEquityPct: 100,
	})
	require.NoError(t, err)

	instanceSettings := accounts.NewSettingsRepository(conn, log)
	schedule := `{"days":{"monday":true},"times":["09:30"]}`
	require.NoError(t, instanceSettings.Set(accounts.Setting{
		OwnerType: accounts.OwnerExpert,
		OwnerID:   instance.ID,
		Key:       experts.SettingScheduleEnterMarket,
		Type:      accounts.ValueString,
		Text:      &schedule,
	}))

	return &managerFixture{
		manager: NewManager(Deps{
			Experts:          expertRepo,
			InstanceSettings: instanceSettings,
			Settings:         settingsRepo,
			Log:              log,
		}),
		experts:  expertRepo,
		expertID: instance.ID,
	}
}

func TestStart_SchedulesEnabledExperts(t *testing.T) {
	f := newManagerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.manager.Start(ctx)
	f.manager.Shutdown()

	assert.Len(t, f.manager.entries[f.expertID], 1)
}

func TestRefreshExpertSchedules_NeverBlocksCaller(t *testing.T) {
	f := newManagerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.manager.Start(ctx)

	instance, err := f.experts.Get(f.expertID)
	require.NoError(t, err)
	instance.Enabled = false
	require.NoError(t, f.experts.Update(*instance))

	returned := make(chan struct{})
	go func() {
		f.manager.RefreshExpertSchedules(&f.expertID)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("schedule refresh blocked the caller")
	}

	// Shutdown drains the queued refresh first, so the disabled expert's
	// entries are gone by the time it returns.
	f.manager.Shutdown()
	assert.Empty(t, f.manager.entries[f.expertID])

	// The control goroutine is gone; callers must still return at once.
	f.manager.RefreshExpertSchedules(&f.expertID)
}
