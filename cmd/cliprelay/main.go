// Package main provides the CLI entry point for ClipRelay: a relay
// server subcommand and a join subcommand that exercises the client
// boundary from a terminal.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cliprelay/cliprelay/internal/client"
	"github.com/cliprelay/cliprelay/internal/config"
	"github.com/cliprelay/cliprelay/internal/filechunk"
	"github.com/cliprelay/cliprelay/internal/ids"
	"github.com/cliprelay/cliprelay/internal/logging"
	"github.com/cliprelay/cliprelay/internal/metrics"
	"github.com/cliprelay/cliprelay/internal/relay"
	"github.com/cliprelay/cliprelay/internal/transport"
	"golang.org/x/term"
	"golang.org/x/text/unicode/norm"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "cliprelay",
		Short:   "ClipRelay - end-to-end encrypted clipboard and file sync",
		Version: Version,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(joinCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var bindAddress string
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long:  "Run the relay server that fans out end-to-end encrypted frames between devices sharing a room code. The relay never sees plaintext.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "bad configuration: %v\n", err)
				os.Exit(2)
			}
			if cmd.Flags().Changed("bind-address") {
				cfg.Server.BindAddress = bindAddress
			}

			logger := logging.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFormat)
			m := metrics.Default()
			srv := relay.NewServer(relay.Config{
				Address:         cfg.Server.BindAddress,
				MaxConnections:  cfg.Tuning.MaxConnections,
				MaxRooms:        cfg.Tuning.MaxRooms,
				SinkQueueDepth:  cfg.Tuning.SinkQueueDepth,
				RateLimitPerSec: cfg.Tuning.RateLimitPerSec,
				RateLimitBurst:  cfg.Tuning.RateLimitBurst,
			}, logger, m)

			if err := srv.Start(); err != nil {
				logger.Error("failed to start relay", logging.KeyError, err)
				os.Exit(1)
			}
			logger.Info("relay listening", logging.KeyAddress, srv.Addr().String())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("shutting down", logging.KeyReason, sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Stop(ctx); err != nil {
				logger.Error("shutdown error", logging.KeyError, err)
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&bindAddress, "bind-address", "127.0.0.1:8080", "Address to listen on (HOST:PORT)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to an optional YAML config file")

	return cmd
}

func joinCmd() *cobra.Command {
	var serverURL string
	var deviceName string
	var downloadDir string
	var roomCodeStdin bool

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room and sync clipboard text over stdin/stdout",
		Long: `Join connects to a relay, derives the room's shared key from a room
code known only to trusted devices, and relays typed lines as clipboard
text to every other device in the room. A line of the form "/send PATH"
transfers a file instead; received files land in --download-dir. It
never touches the OS clipboard itself; wiring stdin/stdout to a
clipboard tool is left to the caller.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			roomCode, err := readRoomCode(roomCodeStdin)
			if err != nil {
				return err
			}

			deviceID, err := ids.NewDeviceID()
			if err != nil {
				return fmt.Errorf("generate device id: %w", err)
			}
			sessionID := uuid.New().String()
			assembler := filechunk.NewAssembler()

			dialCtx, dialCancel := context.WithTimeout(context.Background(), 10*time.Second)
			conn, err := transport.Dial(dialCtx, serverURL)
			dialCancel()
			if err != nil {
				return fmt.Errorf("connect to %s: %w", serverURL, err)
			}

			c := client.New(conn, client.Config{
				RoomCode:   roomCode,
				DeviceID:   deviceID,
				DeviceName: deviceName,
				OnStatusChange: func(s client.Status) {
					fmt.Fprintf(os.Stderr, "[%s] status: %s\n", sessionID[:8], s)
				},
				OnPayload: func(p client.IncomingPayload) {
					handleIncomingPayload(sessionID, assembler, downloadDir, p)
				},
			})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			startCtx, startCancel := context.WithTimeout(ctx, 10*time.Second)
			err = c.Start(startCtx)
			startCancel()
			if err != nil {
				return fmt.Errorf("join room: %w", err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
				c.Close()
			}()

			go func() {
				if err := c.Serve(ctx); err != nil {
					fmt.Fprintf(os.Stderr, "[%s] connection ended: %v\n", sessionID[:8], err)
					cancel()
				}
			}()

			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := scanner.Text()
				if path, ok := strings.CutPrefix(line, "/send "); ok {
					if err := sendFile(c, strings.TrimSpace(path)); err != nil {
						fmt.Fprintf(os.Stderr, "[%s] send file failed: %v\n", sessionID[:8], err)
					}
					continue
				}
				text := norm.NFC.String(line)
				if text == "" {
					continue
				}
				if err := c.SubmitPayload(client.MIMEText, []byte(text)); err != nil {
					fmt.Fprintf(os.Stderr, "[%s] send failed: %v\n", sessionID[:8], err)
				}
			}

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "Relay WebSocket URL (ws://host:port/ws)")
	cmd.Flags().StringVar(&deviceName, "device-name", defaultDeviceName(), "Display name shown to other devices in the room")
	cmd.Flags().StringVar(&downloadDir, "download-dir", os.TempDir(), "Directory for files received from peers")
	cmd.Flags().BoolVar(&roomCodeStdin, "room-code-stdin", true, "Read the room code from stdin with terminal echo disabled")
	_ = cmd.MarkFlagRequired("server")

	return cmd
}

func readRoomCode(masked bool) (string, error) {
	var roomCode string
	if masked {
		fmt.Fprint(os.Stderr, "Room code: ")
		code, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read room code: %w", err)
		}
		roomCode = string(code)
	} else {
		reader := bufio.NewReader(os.Stdin)
		fmt.Fprint(os.Stderr, "Room code: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("read room code: %w", err)
		}
		roomCode = trimNewline(line)
	}
	if roomCode == "" {
		return "", fmt.Errorf("a room code is required")
	}
	return roomCode, nil
}

// sendFile chunks a local file and submits each chunk as its own
// encrypted payload.
func sendFile(c *client.Client, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	chunks, err := filechunk.Split(uuid.New().String(), filepath.Base(path), data)
	if err != nil {
		return err
	}
	for i := range chunks {
		raw, err := chunks[i].Marshal()
		if err != nil {
			return err
		}
		if err := c.SubmitPayload(client.MIMEFileChunk, raw); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "sent %s (%s, %d chunks)\n", filepath.Base(path), humanize.Bytes(uint64(len(data))), len(chunks))
	return nil
}

func handleIncomingPayload(sessionID string, assembler *filechunk.Assembler, downloadDir string, p client.IncomingPayload) {
	switch p.MIME {
	case client.MIMEFileChunk:
		chunk, err := filechunk.Unmarshal(p.Plaintext)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] bad file chunk from %s: %v\n", sessionID[:8], p.SenderDeviceID.ShortString(), err)
			return
		}
		file, err := assembler.Add(chunk)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[%s] file transfer from %s failed: %v\n", sessionID[:8], p.SenderDeviceID.ShortString(), err)
			return
		}
		if file == nil {
			return
		}
		// filepath.Base strips any directory components a peer smuggles
		// into the name.
		dest := filepath.Join(downloadDir, filepath.Base(file.Name))
		if err := os.WriteFile(dest, file.Data, 0o600); err != nil {
			fmt.Fprintf(os.Stderr, "[%s] write %s: %v\n", sessionID[:8], dest, err)
			return
		}
		fmt.Fprintf(os.Stderr, "[%s] received %s (%s) from %s\n",
			sessionID[:8], dest, humanize.Bytes(uint64(len(file.Data))), p.SenderDeviceID.ShortString())
	default:
		fmt.Println(string(p.Plaintext))
	}
}

func defaultDeviceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "cliprelay-device"
	}
	return host
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
