package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gitlab.com/d21d3q/gombus/internal/cache"
	"gitlab.com/d21d3q/gombus/pkg/gombus"
)

var (
	rootCmd = &cobra.Command{
		Use:   "gombus-analyze [hex]",
		Short: "Decode M-Bus and Wireless M-Bus telegrams",
		Long:  "gombus-analyze decodes wired and wireless M-Bus telegrams using the gombus library.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := gombus.Options{
				KeyHex:    keyHex,
				TagLen:    tagLen,
				InjectCRC: injectCRC,
				Cache:     cache.New(cacheSize),
			}
			ctx := cmd.Context()
			if len(args) == 0 {
				return runInteractive(ctx, opts)
			}
			return runAnalyze(ctx, opts, args[0])
		},
	}

	keyHex    string
	tagLen    int
	cacheSize int
	injectCRC bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&keyHex, "key", "", "hex-encoded 16-byte AES key (32 hex chars)")
	rootCmd.PersistentFlags().IntVar(&tagLen, "tag-len", 0, "mode 9 authentication tag length (12 or 16)")
	rootCmd.PersistentFlags().IntVar(&cacheSize, "cache-size", cache.MinCapacity, "compact-frame cache capacity (256-1024)")
	rootCmd.PersistentFlags().BoolVar(&injectCRC, "inject-crc", false, "expect a plaintext CRC injected before encryption")
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	ctx := context.Background()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logrus.Fatal(err)
	}
}

func runInteractive(ctx context.Context, opts gombus.Options) error {
	scanner := bufio.NewScanner(os.Stdin)
	logrus.Info("gombus analyze mode. Paste a hex telegram and press Enter (Ctrl+D to exit).")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runAnalyze(ctx, opts, line); err != nil {
			logrus.WithError(err).Error("failed to decode telegram")
		}
	}
	return scanner.Err()
}

func runAnalyze(ctx context.Context, opts gombus.Options, hex string) error {
	result, err := gombus.AnalyzeHex(ctx, hex, opts)
	if err != nil {
		return err
	}
	fmt.Println(result.String())
	return nil
}
