package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ngrok/solo"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run [-- args...]",
	Short: "Become the primary instance, or hand args to the running one",
	Long: `Runs as the primary instance and prints each handoff as a JSON line until
interrupted. If a compatible instance is already running, args and the
current directory are handed to it instead, and run exits with status 0,
or 3 if the handoff failed.`,
	RunE: runRun,
}

var sendCmd = &cobra.Command{
	Use:   "send [-- args...]",
	Short: "Hand args to the running instance without ever becoming primary",
	RunE:  runSend,
}

var nameCmd = &cobra.Command{
	Use:   "name",
	Short: "Print the channel name for the app id and version",
	Args:  cobra.NoArgs,
	RunE:  runName,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which process owns the channel",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while primary")
	viper.BindPFlag("metrics-addr", runCmd.Flags().Lookup("metrics-addr"))
}

type handoffLine struct {
	Args []string `json:"args"`
	Cwd  string   `json:"cwd"`
}

func runRun(cmd *cobra.Command, args []string) error {
	l := newLogger()
	metrics := solo.NewPrometheusMetricsCollector("solo")
	enc := json.NewEncoder(os.Stdout)

	opts := append(options(l),
		solo.WithArgs(args),
		solo.WithMetrics(metrics),
		solo.WithFocus(func() { l.Info("focus requested") }),
	)
	// Only the primary returns from Init.
	inst := solo.Init(viper.GetString("app-id"), viper.GetString("app-version"), func(args []string, cwd string, focus func()) {
		if err := enc.Encode(handoffLine{Args: args, Cwd: cwd}); err != nil {
			l.Error("could not print handoff", "err", err)
		}
		focus()
	}, opts...)
	l.Info("primary instance ready", "channel", inst.Name())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	if addr := viper.GetString("metrics-addr"); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: addr, Handler: mux}
		g.Go(func() error {
			l.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return errors.Wrap(err, "metrics server failed")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
			l.Info("shutting down")
		case <-inst.Done():
		}
		return inst.Close()
	})
	return g.Wait()
}

func runSend(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return errors.Wrap(err, "could not determine working directory")
	}
	err = solo.Send(cmd.Context(), viper.GetString("app-id"), viper.GetString("app-version"), args, cwd, options(newLogger())...)
	if errors.Cause(err) == solo.ErrNoOwner {
		return errors.New("no instance is running")
	}
	return err
}

func runName(cmd *cobra.Command, args []string) error {
	v, err := solo.ParseVersion(viper.GetString("app-version"))
	if err != nil {
		return err
	}
	name, err := solo.DeriveChannelName(viper.GetString("app-id"), v)
	if err != nil {
		return err
	}
	fmt.Println(name)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := solo.Status(viper.GetString("app-id"), viper.GetString("app-version"), options(newLogger())...)
	if errors.Cause(err) == solo.ErrNoOwner {
		fmt.Println("no instance is running")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Channel: %s\n", st.Channel)
	fmt.Printf("PID:     %d\n", st.PID)
	fmt.Printf("Running: %t\n", st.Running)
	if st.Name != "" {
		fmt.Printf("Process: %s\n", st.Name)
	}
	return nil
}
