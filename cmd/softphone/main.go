// Команда softphone запускает софтфон киоска: аренда линии, SIP регистрация
// через WebSocket, исходящие и входящие вызовы и HTTP интерфейс управления.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "softphone",
		Short:         "Софтфон киоска",
		Long:          "Софтфон киоска: одна арендованная линия, не более одного вызова, управление по HTTP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"файл конфигурации (по умолчанию softphone.yaml в . или /etc/softphone)")

	root.AddCommand(
		newRunCmd(),
		newNormalizeCmd(),
		newLeaseCmd(),
	)
	return root
}

func contextWithTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
