package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zereker/wiremsg"
)

func connectCmd(configPath *string) *cobra.Command {
	var prompt string

	cmd := &cobra.Command{
		Use:   "connect [endpoint]",
		Short: "Send prompts to a relay server",
		Long: `Connect to a relay and send every line read from stdin as a prompt.

With --prompt a single prompt is sent and the command exits after the
answer arrives.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			endpoint := cfg.Connect
			if len(args) == 1 {
				endpoint = args[0]
			}

			logger := wiremsg.NewLogger(os.Stderr, cfg.LogLevel)
			client, err := wiremsg.NewClient(endpoint, cfg.Options(logger, nil)...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			answered := make(chan struct{}, 1)
			dispatcher := wiremsg.NewDispatcher([]wiremsg.Route{
				wiremsg.HandleFunc(func(_ *wiremsg.Session, msg HelloMessage, _ time.Time) error {
					fmt.Fprintf(out, "Hello received: %s\n", msg.Message)
					return nil
				}),
				wiremsg.HandleFunc(func(_ *wiremsg.Session, msg ResponseMessage, _ time.Time) error {
					printResponse(out, msg)
					select {
					case answered <- struct{}{}:
					default:
					}
					return nil
				}),
			},
				wiremsg.OnConnectHook(func(s *wiremsg.Session) error {
					s.Send(HelloMessage{Message: "Hello from chat client"})
					if prompt != "" {
						s.Send(PromptMessage{Prompt: prompt})
					}
					return nil
				}),
				wiremsg.DispatcherLoggerOption(logger),
			)

			go func() {
				if prompt != "" {
					select {
					case <-answered:
					case <-ctx.Done():
					}
				} else {
					sendLines(ctx, client, cmd.InOrStdin())
				}
				_ = client.Stop()
			}()

			return client.Run(ctx, dispatcher)
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Send a single prompt and exit")

	return cmd
}

// sendLines sends each non-empty line of in as a prompt until in ends or
// ctx is done.
func sendLines(ctx context.Context, client *wiremsg.Client, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if !client.Send(PromptMessage{Prompt: line}) {
				fmt.Fprintln(os.Stderr, "not connected, prompt dropped")
			}
		}
	}
}

func printResponse(w io.Writer, msg ResponseMessage) {
	fmt.Fprintln(w, "Response (Prose):")
	fmt.Fprintln(w, "-----------------")
	fmt.Fprintln(w, msg.Prose)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Response (Code):")
	fmt.Fprintln(w, "----------------")
	fmt.Fprintln(w, msg.Code)
}
