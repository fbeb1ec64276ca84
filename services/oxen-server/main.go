package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/rockenbf/oxen/lib/config"
	"github.com/rockenbf/oxen/lib/logging"
	"github.com/rockenbf/oxen/lib/web"
)

const defaultDataRoot = "/var/oxen/data"

func main() {
	dataRootFlag := flag.String("data-root", "", "Directory holding the hosted repositories")
	portFlag := flag.Int("port", 0, "Port to listen on")
	flag.Parse()

	if err := config.InitConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	if err := logging.InitLogger(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	dataRoot := *dataRootFlag
	if dataRoot == "" {
		dataRoot = viper.GetString("server.data_root")
	}
	if dataRoot == "" {
		dataRoot = defaultDataRoot
	}
	if *portFlag != 0 {
		viper.Set("server.port", *portFlag)
	}

	if err := web.StartServer(dataRoot); err != nil {
		logging.Fatalf("server failed: %v", err)
	}
}
