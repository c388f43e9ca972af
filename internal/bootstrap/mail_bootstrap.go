// Package bootstrap wires configuration, credentials and adapters into a
// ready-to-run application.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"mailworker/adapter/out/ml"
	"mailworker/adapter/out/persistence"
	"mailworker/adapter/out/provider/gmail"
	"mailworker/config"
	"mailworker/core/port/out"
	"mailworker/core/service/classification"
	"mailworker/core/service/labeling"
	"mailworker/core/service/pipeline"
	"mailworker/pkg/apperr"
	"mailworker/pkg/logger"
)

// App holds the wired application.
type App struct {
	Config     *config.Config
	Categories *config.Categories
	Cache      *persistence.SQLiteCache
	Provider   out.MailProvider
	Classifier *classification.Classifier
	Labels     *labeling.Manager
	Pipeline   *pipeline.Pipeline
}

// New loads configuration, opens the cache and builds the full pipeline.
// Configuration problems surface here, before any classification begins.
func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger.Init(logger.Config{
		Level:   logger.ParseLevel(cfg.LogLevel),
		Service: "mailworker",
	})

	cats, err := config.LoadCategories(cfg.CategoriesPath, cfg.CustomRulesPath)
	if err != nil {
		return nil, err
	}

	cache, err := persistence.NewSQLiteCache(cfg.CacheDBPath)
	if err != nil {
		return nil, err
	}

	httpOpt, err := authorizedClient(ctx, cfg)
	if err != nil {
		cache.Close()
		return nil, err
	}

	provider, err := gmail.NewClient(ctx, httpOpt, gmail.ClientConfig{
		UserID:            cfg.GmailUserID,
		SearchPageSize:    int64(cfg.SearchPageSize),
		RequestsPerSecond: cfg.RequestsPerSecond,
		RetryMaxAttempts:  cfg.RetryMaxAttempts,
		RetryConflicts:    cfg.RetryConflictRetries,
		RetryBaseDelay:    cfg.RetryBaseDelay,
	})
	if err != nil {
		cache.Close()
		return nil, err
	}

	var mlClassifier out.MLClassifier
	if cfg.OpenAIAPIKey != "" {
		mlClassifier = ml.NewOpenAIClassifier(ml.Config{
			APIKey:      cfg.OpenAIAPIKey,
			Model:       cfg.LLMModel,
			MaxTokens:   cfg.LLMMaxTokens,
			Temperature: cfg.LLMTemperature,
			Timeout:     time.Duration(cfg.LLMTimeoutSec) * time.Second,
		}, cats.Names())
	}

	scorer := classification.NewRuleScorer(cats)
	classifier := classification.NewClassifier(scorer, mlClassifier)
	labels := labeling.NewManager(provider)

	zlog := zerolog.New(os.Stderr).With().Timestamp().Logger()
	pipe := pipeline.New(provider, cache, classifier, labels, cats, cfg.ClassifyWorkers, zlog)

	return &App{
		Config:     cfg,
		Categories: cats,
		Cache:      cache,
		Provider:   provider,
		Classifier: classifier,
		Labels:     labels,
		Pipeline:   pipe,
	}, nil
}

// Close releases held resources.
func (a *App) Close() error {
	return a.Cache.Close()
}

// authorizedClient builds the Gmail HTTP client from the OAuth credentials
// and stored token files. Token refresh lives in the oauth2 transport.
func authorizedClient(ctx context.Context, cfg *config.Config) (option.ClientOption, error) {
	credBytes, err := os.ReadFile(cfg.CredentialsPath)
	if err != nil {
		return nil, apperr.ConfigError(fmt.Sprintf("cannot read credentials file %s", cfg.CredentialsPath)).WithError(err)
	}

	oauthCfg, err := google.ConfigFromJSON(credBytes,
		gmailapi.GmailModifyScope,
		gmailapi.GmailSettingsBasicScope,
	)
	if err != nil {
		return nil, apperr.ConfigError("invalid OAuth credentials file").WithError(err)
	}

	tokenBytes, err := os.ReadFile(cfg.TokenPath)
	if err != nil {
		return nil, apperr.ConfigError(fmt.Sprintf("cannot read token file %s, run the auth flow first", cfg.TokenPath)).WithError(err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(tokenBytes, &token); err != nil {
		return nil, apperr.ConfigError("invalid token file").WithError(err)
	}

	return option.WithHTTPClient(oauthCfg.Client(ctx, &token)), nil
}
