package cli

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/app"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/hcl"
	"github.com/sujimmy/ipu7-camera-hal-sub001/internal/status"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

const defaultStream = "1920x1080:NV12:preview"

// NewRootCommand builds the camhal command tree. Reports go to outW and logs
// to errW.
func NewRootCommand(outW, errW io.Writer) *cobra.Command {
	var cfg app.Config

	root := &cobra.Command{
		Use:   "camhal",
		Short: "Camera pipeline configurator and simulator",
		Long: `camhal resolves camera stream sets against a compiled graph catalog and
drives a simulated capture pipeline.

Streams are given as WIDTHxHEIGHT[:FORMAT[:USAGE]], for example
  camhal graph -s 1920x1080:NV12:preview -s 4032x3024:BLOB:still`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(outW)
	root.SetErr(errW)

	pf := root.PersistentFlags()
	pf.StringVar(&cfg.PlatformPath, "platform", "", "Path to a YAML platform profile. Empty uses the built-in profile.")
	pf.StringSliceVar(&cfg.CatalogPaths, "catalog", nil, "Graph catalog .hcl files or directories. Empty uses the built-in catalog.")
	pf.StringArrayVarP(&cfg.Streams, "stream", "s", []string{defaultStream}, "Requested stream, repeatable.")
	pf.IntVarP(&cfg.OperationMode, "operation-mode", "m", 0, "Operation mode used for graph selection.")
	pf.IntVar(&cfg.CameraID, "camera", 0, "Camera id.")
	pf.StringVar(&cfg.LogFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	pf.StringVar(&cfg.LogLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	graph := &cobra.Command{
		Use:   "graph",
		Short: "Select the processing graph for a stream set without opening a camera",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cfg, outW, errW)
			if err != nil {
				return err
			}
			_, err = a.Graph(cmd.Context())
			return err
		},
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Capture frames from a simulated camera and report per-stream results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cfg, outW, errW)
			if err != nil {
				return err
			}
			_, err = a.Run(cmd.Context())
			return err
		},
	}
	f := run.Flags()
	f.IntVarP(&cfg.Frames, "frames", "n", 30, "Number of frames to capture.")
	f.IntVar(&cfg.HealthcheckPort, "healthcheck-port", 0, "Port for the HTTP health check and metrics server. 0 is disabled.")
	f.StringVar(&cfg.EventSink.URL, "event-sink", "", "socket.io server URL that receives device events.")
	f.StringVar(&cfg.EventSink.Namespace, "event-namespace", "/", "socket.io namespace of the event sink.")
	f.BoolVar(&cfg.EventSink.InsecureSkipVerify, "event-sink-insecure", false, "Skip TLS verification of the event sink.")
	f.DurationVar(&cfg.EventSink.ConnectTimeout, "event-sink-timeout", 15*time.Second, "Connect timeout of the event sink.")

	root.AddCommand(graph, run)
	return root
}

func newApp(cfg app.Config, outW, errW io.Writer) (*app.App, error) {
	validated, err := app.NewConfig(cfg)
	if err != nil {
		return nil, &ExitError{Code: 2, Message: err.Error()}
	}
	return app.NewApp(outW, errW, validated, hcl.NewLoader())
}

// Execute runs the command line args. Flag and configuration errors come
// back as an ExitError with code 2.
func Execute(ctx context.Context, args []string, outW, errW io.Writer) error {
	root := NewRootCommand(outW, errW)
	root.SetArgs(args)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &ExitError{Code: 2, Message: err.Error()}
	})

	err := root.ExecuteContext(ctx)
	var exitErr *ExitError
	if err == nil || errors.As(err, &exitErr) {
		return err
	}
	if status.CodeOf(err) == status.BadValue {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	return err
}
