package commands

import (
	"github.com/ledgermesh/ledgermesh/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

//RootCmd is the root command for ledgermesh
var RootCmd = &cobra.Command{
	Use:              "ledgermesh",
	Short:            "p2p hash-chained ledger",
	TraverseChildren: true,
}
