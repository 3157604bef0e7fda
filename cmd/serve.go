package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/bioface/internal/broadcast"
	"github.com/andresmejia3/bioface/internal/server"
	"github.com/andresmejia3/bioface/internal/tracking"
	"github.com/spf13/cobra"
)

var (
	serveAddr          string
	serveLearn         bool
	serveEnrollUnknown bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the WebSocket feed and the MQTT frame listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if serveAddr == "" {
			serveAddr = Cfg.HTTP.Addr
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: $HTTP_ADDR or :8080)")
	serveCmd.Flags().BoolVar(&serveLearn, "learn", false, "Store the vector of every newly confirmed identity")
	serveCmd.Flags().BoolVar(&serveEnrollUnknown, "enroll-unknown", false, "Create an anonymous identity for subjects nobody matches")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	engine, err := newEngine()
	if err != nil {
		return err
	}
	tracker := tracking.New(engine, DB, tracking.Options{
		Identity:      Cfg.Policy.Stabilizer.Identity,
		Emotion:       Cfg.Policy.Stabilizer.Emotion,
		MaxIdleFrames: Cfg.Tracking.MaxIdleFrames,
		RefreshEvery:  Cfg.Tracking.RefreshEvery,
		WriteTimeout:  Cfg.Tracking.WriteTimeout,
		Learn:         serveLearn,
		EnrollUnknown: serveEnrollUnknown,
		LogEvents:     true,
	})

	hub := broadcast.NewHub()
	sinks := broadcast.Multi{hub}

	// MQTT both feeds frames in and carries updates out. Frames that arrive
	// before the server exists wait for it.
	var srv *server.Server
	ready := make(chan struct{})
	if Cfg.MQTT.Broker != "" {
		mq, err := broadcast.DialMQTT(Cfg.MQTT.Broker, Cfg.MQTT.TopicPrefix, func(payload []byte) {
			<-ready
			srv.IngestFrame(payload)
		})
		if err != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		defer mq.Close()
		sinks = append(sinks, mq)
		fmt.Fprintf(os.Stderr, "📡 Listening for frames on %s\n", broadcast.Topic(Cfg.MQTT.TopicPrefix, "frames"))
	}
	srv = server.New(serveAddr, server.Deps{Store: DB, Engine: engine, Tracker: tracker, Hub: hub, Sink: sinks})
	close(ready)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	fmt.Fprintf(os.Stderr, "🌐 BioFace API listening on %s\n", serveAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	fmt.Fprintln(os.Stderr, "👋 Server stopped.")
	return nil
}
