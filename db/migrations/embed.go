package migrations

import "embed"

// Files 内嵌全部 up/down 迁移脚本，供 golang-migrate 的 iofs 源读取。
//
//go:embed *.sql
var Files embed.FS
