//go:build !dev

package main

const IsDebug = false
