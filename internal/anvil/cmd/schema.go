package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
)

// AnvilConfig represents configuration for the anvil tool
type AnvilConfig struct {
	Debug      bool     `json:"debug" jsonschema:"title=Debug,description=Enable debug logging"`
	LogFile    string   `json:"logFile" jsonschema:"title=Log File,description=Append logs to a file instead of stderr"`
	QemuBinary string   `json:"qemuBinary" jsonschema:"title=QEMU Binary,description=Emulator binary to launch"`
	Image      string   `json:"image" jsonschema:"title=Boot Image,description=Directory exposed to QEMU as a FAT drive"`
	Memory     string   `json:"memory" jsonschema:"title=Memory,description=Guest memory size"`
	TraceLog   string   `json:"traceLog" jsonschema:"title=Trace Log,description=QEMU -D trace log path"`
	DebugFlags []string `json:"debugFlags" jsonschema:"title=Debug Flags,description=QEMU -d trace categories"`
	Timeout    string   `json:"timeout" jsonschema:"title=Timeout,description=Inactivity timeout before the session is stopped"`
}

var schemaCmd = &cobra.Command{
	Use:    "schema",
	Short:  "Generate JSON schema for configuration",
	Long:   "Generate JSON schema for the anvil configuration",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		reflector := new(jsonschema.Reflector)
		bts, err := json.MarshalIndent(reflector.Reflect(&AnvilConfig{}), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal schema: %w", err)
		}
		fmt.Println(string(bts))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schemaCmd)
}
