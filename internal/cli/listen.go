package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	sigclient "github.com/refractionPOINT/go-sigclient"
	"github.com/refractionPOINT/go-sigclient/protocol"
	"github.com/refractionPOINT/go-sigclient/receipts"
)

// ListenOptions holds flags for the listen command.
type ListenOptions struct {
	*RootOptions
	RedisAddr    string
	RedisChannel string
}

// NewListenCommand creates the listen command.
func NewListenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "listen [frame-type...]",
		Short: "Print inbound frames until interrupted",
		Long: `Print inbound frames, one JSON document per line, until interrupted.
Without frame types every frame is printed.

With --redis-addr write receipts published on the receipt channel are
printed as well.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listen(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RedisAddr, "redis-addr", "", "Redis address for write receipts")
	cmd.Flags().StringVar(&opts.RedisChannel, "redis-channel", receipts.DefaultChannel, "Redis receipt channel")

	return cmd
}

// lineWriter serializes JSON lines from concurrent handlers.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{enc: json.NewEncoder(w)}
}

func (w *lineWriter) write(v interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enc.Encode(v)
}

type receiptLine struct {
	Receipt   receipts.Receipt `json:"receipt"`
	Confirmed bool             `json:"confirmed"`
}

func listen(opts *ListenOptions, types []string, cmd *cobra.Command) error {
	c, log, err := opts.newClient()
	if err != nil {
		return err
	}
	defer log.Sync()
	defer c.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := newLineWriter(cmd.OutOrStdout())
	if len(types) == 0 {
		types = []string{sigclient.AnyType}
	}
	for _, t := range types {
		c.Subscribe(t, func(env *protocol.Envelope) { out.write(env) })
	}

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	errs := make(chan error, 1)
	if opts.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		defer rdb.Close()
		src := receipts.NewRedisSource(rdb, opts.RedisChannel, log.Named("receipts"))
		go func() {
			errs <- src.Run(ctx, func(r receipts.Receipt) {
				out.write(receiptLine{Receipt: r, Confirmed: c.ObserveReceipt(r.LogicalSequence, r.DeviceID)})
			})
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		if err != nil && ctx.Err() == nil {
			log.Error("receipt source stopped", zap.Error(err))
			return err
		}
		<-ctx.Done()
		return nil
	}
}
