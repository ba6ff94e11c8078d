// Package e2e provides end-to-end test infrastructure for the run
// coordinator: complete in-process replicas on a shared test database,
// driven over HTTP against a scripted agent deployment.
package e2e

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codespacesh/blink-sub003/pkg/agent"
	"github.com/codespacesh/blink-sub003/pkg/api"
	"github.com/codespacesh/blink-sub003/pkg/cleanup"
	"github.com/codespacesh/blink-sub003/pkg/config"
	"github.com/codespacesh/blink-sub003/pkg/database"
	"github.com/codespacesh/blink-sub003/pkg/events"
	"github.com/codespacesh/blink-sub003/pkg/runs"
	"github.com/codespacesh/blink-sub003/pkg/services"
	"github.com/codespacesh/blink-sub003/pkg/session"
	testdb "github.com/codespacesh/blink-sub003/test/database"
	"github.com/codespacesh/blink-sub003/test/e2e/testdata/configs"
	"github.com/codespacesh/blink-sub003/test/util"
)

// TestApp boots a complete coordinator replica for e2e testing.
type TestApp struct {
	Config   *config.Config
	DBClient *database.Client
	PodID    string

	RunService     *services.RunService
	WakeService    *services.WakeService
	Host           session.Host
	NotifyListener *events.NotifyListener
	Cleanup        *cleanup.Service
	Server         *api.Server

	// BaseURL is e.g. "http://127.0.0.1:54321".
	BaseURL string

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg      *config.Config
	dbClient *database.Client
	podID    string
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithDBClient injects a database client so several replicas share one
// schema.
func WithDBClient(client *database.Client) TestAppOption {
	return func(c *testAppConfig) { c.dbClient = client }
}

// WithPodID overrides the generated pod ID. Replicas sharing a database
// need distinct IDs for step claims and control message filtering.
func WithPodID(id string) TestAppOption {
	return func(c *testAppConfig) { c.podID = id }
}

// NewTestApp creates and starts a replica. Shutdown is registered via
// t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = configs.Process()
	}
	if tc.podID == "" {
		tc.podID = fmt.Sprintf("e2e-%s", t.Name())
	}
	dbClient := tc.dbClient
	if dbClient == nil {
		dbClient = testdb.NewTestClient(t)
	}
	cfg := tc.cfg

	ctx, cancel := context.WithCancel(context.Background())

	runService := services.NewRunService(dbClient.DB())
	wakeService := services.NewWakeService(dbClient.DB())

	stepRunner := agent.NewStepRunner(runService, agent.Config{
		PodID:             tc.podID,
		HeartbeatInterval: cfg.Runs.HeartbeatInterval,
		RequestTimeout:    cfg.Agents.RequestTimeout,
	})
	host := session.NewHost(cfg.Streaming, stepRunner, wakeService, tc.podID)
	go host.Run(ctx)

	notifyListener := events.NewNotifyListener(util.GetBaseConnectionString(t), tc.podID, events.HostHandler(host))
	require.NoError(t, notifyListener.Start(ctx))

	cleanupService := cleanup.NewService(cfg.Runs, cfg.Retention, runService, wakeService)
	require.NoError(t, cleanupService.Start(ctx))

	server := api.NewServer(cfg, dbClient, runs.NewReconciler(runService, cfg.Runs.StallThreshold), host, runService)
	server.SetControlPublisher(events.NewControlPublisher(dbClient.DB(), tc.podID))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.StartWithListener(ln)
	}()

	app := &TestApp{
		Config:         cfg,
		DBClient:       dbClient,
		PodID:          tc.podID,
		RunService:     runService,
		WakeService:    wakeService,
		Host:           host,
		NotifyListener: notifyListener,
		Cleanup:        cleanupService,
		Server:         server,
		BaseURL:        "http://" + ln.Addr().String(),
		t:              t,
	}

	// Same order as the production shutdown.
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = host.Shutdown(shutdownCtx)
		cleanupService.Stop()
		_ = server.Shutdown(shutdownCtx)
		cancel()
		notifyListener.Stop(shutdownCtx)
		// DB cleanup handled by testdb.NewTestClient.
	})

	return app
}
