package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jogardn/allergy-notices/internal/config"
	"github.com/jogardn/allergy-notices/internal/device"
	"github.com/jogardn/allergy-notices/internal/devicestore"
	"github.com/jogardn/allergy-notices/internal/notify"
	"github.com/jogardn/allergy-notices/internal/orders"
	"github.com/jogardn/allergy-notices/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	dishes  []string
)

var rootCmd = &cobra.Command{
	Use:   "notice-device",
	Short: "Diner, server and kitchen client for allergy notices",
	Long: `notice-device acts as one device in the allergy notice workflow. Diners draft
and submit notices, servers approve or reject them, and the kitchen acknowledges,
asks questions or rejects. State is cached on disk between runs.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	flags.StringSlice("restaurant-ids", nil, "restaurants this device follows, the first is its home")
	flags.String("role", string(models.ActorDiner), "device role: diner, server or kitchen")
	flags.String("user-id", "", "signed-in user id, empty for an anonymous diner")
	flags.String("data-dir", "", "device storage directory")
	flags.String("service-url", "http://localhost:8081", "notice service base URL")
	flags.String("ws-url", "ws://localhost:8081/ws", "notice service websocket URL")
	flags.String("log-level", "warn", "log level")
	flags.StringSliceVar(&dishes, "menu", nil, "dishes on the menu; when set, only these may be flagged")
}

// staticUser is the signed-in identity given on the command line.
type staticUser string

func (u staticUser) CurrentUser(context.Context) (string, bool) {
	return string(u), u != ""
}

type menuList map[string]bool

func (m menuList) HasDish(name string) bool {
	return m[strings.ToLower(strings.TrimSpace(name))]
}

type app struct {
	cfg     *config.Config
	session *device.Session
	logger  *logrus.Logger
}

func (a *app) Close() {
	a.session.Close()
}

// open loads configuration, builds this device's session and pulls once
// from the notice service.
func open(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}
	if len(cfg.RestaurantIDs) == 0 {
		return nil, errors.New("at least one restaurant id is required (--restaurant-ids)")
	}
	logger := cfg.Logger()

	dir := cfg.DataDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate config dir: %w", err)
		}
		who := cfg.UserID
		if who == "" {
			who = "anonymous"
		}
		dir = filepath.Join(base, "allergy-notices", cfg.Role+"-"+who)
	}
	fs, err := devicestore.NewFileStore(dir, logger)
	if err != nil {
		return nil, err
	}

	client := orders.NewClient(orders.ClientConfig{
		BaseURL:        cfg.ServiceURL,
		Timeout:        cfg.HTTPTimeout,
		MaxFailures:    cfg.BreakerMaxFailures,
		BreakerTimeout: cfg.BreakerTimeout,
	}, logger)

	var menu device.Menu
	if len(dishes) > 0 {
		m := make(menuList, len(dishes))
		for _, d := range dishes {
			m[strings.ToLower(strings.TrimSpace(d))] = true
		}
		menu = m
	}

	session, err := device.NewSession(device.Config{
		RestaurantID:      cfg.RestaurantIDs[0],
		RestaurantIDs:     cfg.RestaurantIDs,
		Role:              models.Actor(cfg.Role),
		UserID:            cfg.UserID,
		PollInterval:      cfg.PollInterval,
		BannerDuration:    cfg.BannerDuration,
		DismissalCapacity: cfg.DismissalCapacity,
		DraftTTL:          cfg.DraftTTL,
	}, device.Deps{
		Store:    fs,
		Gateway:  client,
		Renderer: notify.NewWriterRenderer(cmd.OutOrStdout()),
		Auth:     staticUser(cfg.UserID),
		Menu:     menu,
	}, logger)
	if err != nil {
		return nil, err
	}
	session.Start(cmd.Context())

	return &app{cfg: cfg, session: session, logger: logger}, nil
}
