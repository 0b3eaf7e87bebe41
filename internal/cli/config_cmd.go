package cli

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"bestfocus/internal/config"
	"bestfocus/internal/imageio"
)

func (r *Root) configShow(w io.Writer) error {
	cfgPath := config.Path()
	if os.Getenv(config.EnvPath) == "" {
		cfgPath = "(default) " + cfgPath
	}
	fmt.Fprintf(w, "Config file: %s\n", cfgPath)
	fmt.Fprintf(w, "Writer backends: %v\n\n", imageio.Backends())

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r.cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
