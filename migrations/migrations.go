// Package migrations はMySQL向けのスキーマ定義SQLを埋め込んで提供する。
// ファイル名は {version}_{name}.sql とし、1ファイルに1文だけ書く。
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
