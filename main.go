package main

import (
	"context"
	"embed"
	"fmt"
	"log"
	"os"
	_runtime "runtime"

	"github.com/sirupsen/logrus"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/menu"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"github.com/wailsapp/wails/v2/pkg/options/mac"
	"github.com/wailsapp/wails/v2/pkg/options/windows"

	"dbcopier/backend"
	"dbcopier/backend/pkg/platform"
)

//go:embed all:frontend/dist
var assets embed.FS

var version = "0.0.0"

const appName = "DBCopier"

func main() {
	isMacOS := _runtime.GOOS == "darwin"

	// DBCOPIER_CONFIG 指向可选的 YAML 配置文件
	app, err := backend.NewApp(IsDebug, isMacOS, os.Getenv("DBCOPIER_CONFIG"))
	if err != nil {
		log.Fatalf("启动失败: %v", err)
	}
	if isMacOS {
		platform.EnableKeyRepeat(appName, logrus.StandardLogger())
	}

	appMenu := menu.NewMenu()
	// macOS 需要标准的 App / Edit / Window 菜单，否则输入框里无法复制粘贴
	if isMacOS {
		appMenu.Append(menu.AppMenu())
		appMenu.Append(menu.EditMenu())
		appMenu.Append(menu.WindowMenu())
	}
	app.Menu(appMenu)

	err = wails.Run(&options.App{
		Title:     appName,
		Width:     1280,
		Height:    800,
		MinWidth:  960,
		MinHeight: 600,
		Menu:      appMenu,

		EnableDefaultContextMenu: true,
		AssetServer: &assetserver.Options{
			Assets: assets,
		},

		BackgroundColour: &options.RGBA{R: 37, G: 37, B: 37, A: 255},
		OnStartup: func(ctx context.Context) {
			app.Startup(ctx)
		},
		OnShutdown: func(ctx context.Context) {
			app.Shutdown(ctx)
		},
		OnBeforeClose: app.OnBeforeClose,

		HideWindowOnClose: isMacOS,
		Bind: []any{
			app,
			app.Configs,
			app.Tasks,
		},
		Mac: &mac.Options{
			TitleBar: &mac.TitleBar{
				TitlebarAppearsTransparent: true,
				HideTitle:                  true,
				FullSizeContent:            true,
				UseToolbar:                 true,
			},
			About: &mac.AboutInfo{
				Title:   fmt.Sprintf("%s %s", appName, version),
				Message: "Database copy with column masking.\n\nCopyright © 2025",
			},
			WindowIsTranslucent: true,
		},
		Windows: &windows.Options{
			WebviewIsTransparent: false,
			WindowIsTranslucent:  false,
		},
	})
	if err != nil {
		log.Fatal(err)
	}
}
