package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/signal-slot/kmsvnc/internal/capture"
	"github.com/signal-slot/kmsvnc/internal/config"
	"github.com/signal-slot/kmsvnc/internal/input"
	"github.com/signal-slot/kmsvnc/internal/kmserr"
	"github.com/signal-slot/kmsvnc/internal/server"
	"github.com/signal-slot/kmsvnc/internal/statusws"
)

var opts = config.Defaults()

func main() {
	rootCmd := &cobra.Command{
		Use:   "kmsvnc",
		Short: "VNC server exporting the KMS/DRM or fbdev console framebuffer",
		Long: `kmsvnc runs an RFB (VNC) server over the Linux console, without a display
server: the image source is the kernel's KMS/DRM subsystem (or legacy fbdev),
and remote pointer/keyboard input is routed back through /dev/uinput.`,
		RunE: run,
	}

	rootCmd.Flags().StringVar(&opts.Device, "device", opts.Device, "capture device (/dev/dri/card* or /dev/fb*); empty auto-detects")
	rootCmd.Flags().IntVar(&opts.Port, "port", opts.Port, "TCP listen port")
	rootCmd.Flags().IntVar(&opts.FPS, "fps", opts.FPS, "maximum capture/update rate")
	rootCmd.Flags().StringVar(&opts.Listen, "listen", opts.Listen, "bind address")
	rootCmd.Flags().StringVar(&opts.Password, "password", opts.Password, "enable VNC Authentication with this password")
	rootCmd.Flags().BoolVar(&opts.Verbose, "verbose", opts.Verbose, "shortcut for debug log level")
	rootCmd.Flags().StringVar(&opts.DebugHTTP, "debug-http", opts.DebugHTTP, "bind address for an optional debug status WebSocket endpoint")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kmsvnc:", err)
		os.Exit(1)
	}
}

func configureLogging() {
	levelStr := os.Getenv("KMSVNC_LOG_LEVEL")
	if opts.Verbose {
		levelStr = "debug"
	}
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func run(cmd *cobra.Command, args []string) error {
	configureLogging()

	log.Info().
		Str("device", opts.Device).
		Int("port", opts.Port).
		Int("fps", opts.FPS).
		Str("listen", opts.Listen).
		Bool("auth", opts.Password != "").
		Msg("starting kmsvnc")

	src, err := capture.Open(opts.Device, log.Logger)
	if err != nil {
		return startupError("no usable capture device", err)
	}

	capturer := capture.New(src, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	fatalCapture := capturer.Run(ctx, opts.FPS)
	if err := capturer.WaitFirstFrame(ctx); err != nil {
		capturer.Close()
		return startupError("capturer produced no frame before shutdown", err)
	}

	width, height, _ := capturer.Geometry()
	router, err := input.New(width, height, log.Logger)
	if err != nil {
		capturer.Close()
		return startupError("uinput device creation failed", err)
	}
	defer router.Close()

	// The debug endpoint accepts WebSocket clients; nothing here calls
	// hub.Broadcast, so connected clients receive no snapshots.
	if opts.DebugHTTP != "" {
		hub := statusws.NewHub(log.Logger)
		go func() {
			if err := statusws.ListenAndServe(opts.DebugHTTP, hub); err != nil {
				log.Warn().Err(err).Msg("debug status server exited")
			}
		}()
	}

	srv := server.New(opts.Listen, opts.Port, opts.Password, opts.FPS, capturer, router, log.Logger)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Run(ctx)
	}()

	select {
	case err := <-fatalCapture:
		if err != nil {
			cancel()
			<-serverErr
			capturer.Close()
			return startupError("capturer failed", err)
		}
	case err := <-serverErr:
		cancel()
		capturer.Close()
		if err != nil {
			return startupError("server failed", err)
		}
	case <-ctx.Done():
		<-serverErr
		capturer.Close()
	}

	log.Info().Msg("kmsvnc stopped")
	return nil
}

// startupError builds the single-line diagnostic for a fatal start-up
// condition; main prints it to stderr and exits non-zero.
func startupError(reason string, err error) error {
	if kind, ok := errorKind(err); ok {
		return fmt.Errorf("%s (%s): %w", reason, kind, err)
	}
	return fmt.Errorf("%s: %w", reason, err)
}

func errorKind(err error) (kmserr.Kind, bool) {
	e, ok := err.(*kmserr.Error)
	if !ok {
		return 0, false
	}
	return e.Kind, true
}
