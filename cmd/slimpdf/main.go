// Package main は slimpdf のエントリーポイントです。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version はビルド時に差し替えます。
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "slimpdf",
		Short: "PDFの圧縮・結合・画像変換を非同期ジョブで処理するサーバー",
		Long: `slimpdf はアップロードされたPDFや画像をジョブとして受け付け、
バックグラウンドで圧縮・結合・PDF化します。

設定は環境変数（.env.local も可）から読み込みます。

例:
  # APIサーバーとワーカーを同じプロセスで起動
  slimpdf serve

  # QUEUE_MODE=asynq のときにワーカーだけを起動
  slimpdf worker

  # ジョブの完了を待って成果物を保存
  slimpdf wait <job-id> --server http://localhost:8080 --output out.pdf`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newSweepCmd())
	root.AddCommand(newWaitCmd())
	return root
}
