//go:build dev

package main

// IsDebug 由 `wails dev` 的 dev 构建标签打开
const IsDebug = true
