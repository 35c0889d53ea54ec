package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/ada"
	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/atd/internal/admin"
	"github.com/rakunlabs/atd/internal/concurrency"
	"github.com/rakunlabs/atd/internal/config"
	"github.com/rakunlabs/atd/internal/conversation"
	"github.com/rakunlabs/atd/internal/daemon"
	"github.com/rakunlabs/atd/internal/dispatcher"
	"github.com/rakunlabs/atd/internal/observability"
	"github.com/rakunlabs/atd/internal/providerregistry"
	"github.com/rakunlabs/atd/internal/repository"
	"github.com/rakunlabs/atd/internal/router"
	"github.com/rakunlabs/atd/internal/session"
	"github.com/rakunlabs/atd/internal/tokenmanager"
	"github.com/rakunlabs/atd/internal/tools/chat"
	"github.com/rakunlabs/atd/internal/tools/diagnostics"
	"github.com/rakunlabs/atd/internal/tools/upload"
	wftool "github.com/rakunlabs/atd/internal/tools/workflow"
	"github.com/rakunlabs/atd/internal/toolregistry"
)

var (
	name = "atd"
	version = "v0.0.0"
)

// tokenRotationGrace is how long a rotated-out WS auth token keeps working,
// so in-flight handshakes using the old value don't fail.
const tokenRotationGrace = 5 * time.Minute

// defaultHistoryTokenBudget bounds how much prior conversation the chat
// tool replays on each call (chars/4 estimate).
const defaultHistoryTokenBudget = 8000

// Reap sweep frequencies: independent of the idle/TTL thresholds they
// check against, so idle cleanup lags by at most one interval rather than
// by a full TTL period.
const (
	sessionReapInterval = 30 * time.Second
	conversationReapInterval = time.Minute
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

// toolFilterFromConfig builds the daemon-wide advertised-tools filter from
// the configurable ToolAllowList/ToolDenyList env vars.
func toolFilterFromConfig(d config.Daemon) toolregistry.Filter {
	var f toolregistry.Filter

	if allow := config.SplitList(d.ToolAllowList); len(allow) > 0 {
		f.Allow = make(map[string]struct{}, len(allow))
		for _, name := range allow {
			f.Allow[name] = struct{}{}
		}
	}

	if deny := config.SplitList(d.ToolDenyList); len(deny) > 0 {
		f.Deny = make(map[string]struct{}, len(deny))
		for _, name := range deny {
			f.Deny[name] = struct{}{}
		}
	}

	return f
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	repo, err := repository.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()

	providers := providerregistry.New(providerregistry.DefaultFactory)
	for key, pcfg := range cfg.Providers {
		if err := providers.Reload(key, pcfg); err != nil {
			slog.Error("failed to load provider from config", "provider", key, "error", err)
			continue
		}
	}

	sessions := session.New(cfg.Daemon.SessionInflightMax, cfg.Daemon.SessionIdleTTL)
	sessionReaper := session.NewReaper(sessions, sessionReapInterval)
	if err := sessionReaper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start session reaper: %w", err)
	}
	defer sessionReaper.Stop()

	conversations := conversation.New(repo, cfg.Daemon.ConversationTTL)
	conversationReaper := conversation.NewReaper(conversations, conversationReapInterval)
	if err := conversationReaper.Start(ctx); err != nil {
		return fmt.Errorf("failed to start conversation reaper: %w", err)
	}
	defer conversationReaper.Stop()

	controller := concurrency.NewController(cfg.Daemon.GlobalInflightMax, cfg.Daemon.ProviderInflightMax)
	tokens := tokenmanager.New(cfg.Daemon.AuthToken, tokenRotationGrace)
	rt := router.New(providers)

	tools := toolregistry.New()
	tools.Add(chat.Factory(chat.Deps{
		Router: rt,
		Conversations: conversations,
		Controller: controller,
		TokenBudget: defaultHistoryTokenBudget,
		FeatureStreaming: cfg.Daemon.FeatureStreaming,
		FeatureWebsearch: cfg.Daemon.FeatureWebsearch,
	}))
	tools.Add(wftool.Factory(wftool.Deps{
		Providers: providers,
		VarLookup: func(key string) (string, error) {
			v, err := repo.GetVariableByKey(ctx, key)
			if err != nil {
				return "", err
			}
			if v == nil {
				return "", fmt.Errorf("variable %q not found", key)
			}
			return v.Value, nil
		},
		VarLister: func() (map[string]string, error) {
			vars, err := repo.ListVariables(ctx)
			if err != nil {
				return nil, err
			}
			out := make(map[string]string, len(vars))
			for _, v := range vars {
				out["VAR_"+v.Key] = v.Value
			}
			return out, nil
		},
	}))
	tools.Add(upload.Factory(upload.Deps{
		Conversations: repo,
		Providers: providers,
		StorageDir: cfg.Daemon.StorageDir,
	}))

	health := observability.NewHealthWriter(cfg.Daemon.HealthFilePath, version, observability.Source{
		SessionsOpen: sessions.Count,
		InflightGlobal: controller.GlobalInUse,
	})
	stopHealth := make(chan struct{})
	go health.Run(stopHealth, 5*time.Second)
	defer close(stopHealth)

	tools.Add(diagnostics.Factory(diagnostics.Deps{
		Health: health,
		Providers: providers,
	}))

	toolTimeout := cfg.Daemon.ToolDefaultTimeout
	d := &dispatcher.Dispatcher{
		Sessions: sessions,
		Controller: controller,
		Tools: tools,
		Conversations: conversations,
		Tokens: tokens,
		Version: version,
		Timeouts: dispatcher.Timeouts{
			ToolDefault: toolTimeout,
			DaemonMax: time.Duration(float64(toolTimeout) * cfg.Daemon.DaemonTimeoutMultiplier),
			Grace: time.Duration(float64(toolTimeout) * (cfg.Daemon.ShimTimeoutMultiplier - cfg.Daemon.DaemonTimeoutMultiplier)),
		},
		ToolFilter: toolFilterFromConfig(cfg.Daemon),
		Cache: repo.Cache(),
	}

	dm := daemon.New(cfg.Daemon, d, health)
	dm.MountExtra = func(mux *ada.Server) {
		admin.Mount(mux, admin.Deps{
			AdminToken: cfg.Daemon.AdminToken,
			Tokens: tokens,
			Store: repo,
			Health: health,
		})
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- dm.ListenAndServe(ctx)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down daemon", "grace", d.Timeouts.Grace)
		if err := dm.Shutdown(d.Timeouts.Grace); err != nil {
			slog.Error("daemon shutdown error", "error", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
