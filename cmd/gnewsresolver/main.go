// Command gnewsresolver はニュース集約フィードのリンクトークンを遷移先URLへ解決するサービス。
//
// サブコマンド:
//
//	serve        運用者向けAPIサーバーを起動する（デフォルト）
//	worker       フィード取り込み・トークン解決・クリーンアップを実行する
//	migrate      データベースマイグレーションを適用する
//	healthcheck  ローカルの /health を確認する
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/gnewsresolver/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gnewsresolver: %v\n", err)
		os.Exit(1)
	}
}
