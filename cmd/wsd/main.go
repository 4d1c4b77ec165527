package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/wsd"
	"github.com/outofforest/wsd/wire"
)

var matchByNames = map[string]wire.MatchBy{
	"":        wire.MatchByDefault,
	"rfc2396": wire.MatchByURI,
	"ldap":    wire.MatchByLDAP,
	"uuid":    wire.MatchByUUID,
	"strcmp0": wire.MatchByStrcmp,
}

type flags struct {
	EPR     string
	Types   []string
	Scopes  []string
	MatchBy string
	XAddrs  []string
	Timeout time.Duration

	MetricsAddr string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctx = logger.WithLogger(ctx, logger.New(logger.DefaultConfig))

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		logger.Get(ctx).Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:           "wsd",
		Short:         "Publish and discover services on the local network",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.EPR, "epr", "", "endpoint reference of this node, random urn:uuid if empty")
	root.PersistentFlags().StringSliceVar(&f.Types, "type", nil, "service type as namespace:name, may be repeated")
	root.PersistentFlags().StringSliceVar(&f.Scopes, "scope", nil, "service scope, may be repeated")
	root.PersistentFlags().StringVar(&f.MetricsAddr, "metrics-addr", "", "address serving prometheus metrics, disabled if empty")

	publish := &cobra.Command{
		Use:   "publish",
		Short: "Publish service until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPublish(cmd.Context(), f)
		},
	}
	publish.Flags().StringSliceVar(&f.XAddrs, "xaddr", nil, "address of the service, {ip} is replaced by local addresses")

	search := &cobra.Command{
		Use:   "search",
		Short: "Search for services and print them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSearch(cmd.Context(), f)
		},
	}
	search.Flags().StringVar(&f.MatchBy, "match-by", "", "scope matching algorithm: rfc2396, ldap, uuid or strcmp0")
	search.Flags().DurationVar(&f.Timeout, "timeout", 3*time.Second, "time to wait for replies")

	watch := &cobra.Command{
		Use:   "watch",
		Short: "Log services announcing and withdrawing themselves until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd.Context(), f)
		},
	}
	watch.Flags().StringVar(&f.MatchBy, "match-by", "", "scope matching algorithm: rfc2396, ldap, uuid or strcmp0")

	root.AddCommand(publish, search, watch)
	return root
}

func (f flags) filter() ([]wire.QName, []wire.Scope, error) {
	matchBy, exists := matchByNames[strings.ToLower(f.MatchBy)]
	if !exists {
		return nil, nil, errors.Errorf("unknown match algorithm %q", f.MatchBy)
	}

	var types []wire.QName
	for _, t := range f.Types {
		q, err := wire.ParseQName(t)
		if err != nil {
			return nil, nil, err
		}
		types = append(types, q)
	}

	var scopes []wire.Scope
	for _, s := range f.Scopes {
		scopes = append(scopes, wire.Scope{Value: s, MatchBy: matchBy})
	}
	return types, scopes, nil
}

func start(ctx context.Context, f flags) (*wsd.Discovery, error) {
	config := wsd.DefaultConfig()
	config.EPR = wire.EPR(f.EPR)

	if f.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		config.Registerer = registry

		server := &http.Server{
			Addr:              f.MetricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil {
				logger.Get(ctx).Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	d := wsd.New(config)

	// Stop drains Bye messages after the command context is canceled.
	if err := d.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	return d, nil
}

func runPublish(ctx context.Context, f flags) error {
	types, scopes, err := f.filter()
	if err != nil {
		return err
	}

	d, err := start(ctx, f)
	if err != nil {
		return err
	}
	if err := d.Publish(types, scopes, f.XAddrs); err != nil {
		return stopOnError(ctx, err, d)
	}

	logger.Get(ctx).Info("Service published", zap.String("epr", string(d.EPR())))
	<-ctx.Done()
	return d.Stop()
}

func runSearch(ctx context.Context, f flags) error {
	types, scopes, err := f.filter()
	if err != nil {
		return err
	}

	d, err := start(ctx, f)
	if err != nil {
		return err
	}

	services, err := d.Search(ctx, types, scopes, f.Timeout)
	if err != nil {
		return stopOnError(ctx, err, d)
	}
	for _, s := range services {
		fmt.Println(s.EPR)
		for _, t := range s.Types {
			fmt.Printf("  type:  %s\n", t)
		}
		for _, sc := range s.Scopes {
			fmt.Printf("  scope: %s\n", sc)
		}
		for _, x := range s.XAddrs {
			fmt.Printf("  xaddr: %s\n", x)
		}
	}
	return d.Stop()
}

func runWatch(ctx context.Context, f flags) error {
	types, scopes, err := f.filter()
	if err != nil {
		return err
	}

	d, err := start(ctx, f)
	if err != nil {
		return err
	}

	log := logger.Get(ctx)
	d.SetHelloCallback(func(s wsd.Service) {
		log.Info("Hello", zap.String("epr", string(s.EPR)), zap.Strings("xAddrs", s.XAddrs))
	}, types, scopes)
	d.SetByeCallback(func(epr wire.EPR) {
		log.Info("Bye", zap.String("epr", string(epr)))
	})

	<-ctx.Done()
	return d.Stop()
}

func stopOnError(ctx context.Context, err error, d *wsd.Discovery) error {
	if stopErr := d.Stop(); stopErr != nil {
		logger.Get(ctx).Debug("Stopping discovery failed", zap.Error(stopErr))
	}
	return err
}
