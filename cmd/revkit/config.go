package main

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"gitlab.com/stephen-fox/revkit/describe"
	"gitlab.com/stephen-fox/revkit/memory"
	"gitlab.com/stephen-fox/revkit/modules"
	"gopkg.in/yaml.v3"
)

// Config is the revkit configuration file.
type Config struct {
	LogLevel string          `yaml:"log_level"`
	Index    modules.Config  `yaml:"index"`
	Describe describe.Config `yaml:"describe"`
	Images   []ImageConfig   `yaml:"images"`
}

// ImageConfig places an image file in an offline snapshot.
type ImageConfig struct {
	Path string `yaml:"path"`

	// Base is a hex or decimal address. The image's preferred base
	// (or the next free range) is used if empty.
	Base string `yaml:"base"`
}

func (o ImageConfig) base() (memory.Address, error) {
	if o.Base == "" {
		return 0, nil
	}

	return memory.ParseAddress(o.Base)
}

func loadConfig(fs afero.Fs, configPath string) (Config, error) {
	var config Config

	if configPath == "" {
		return config, nil
	}

	data, err := afero.ReadFile(fs, configPath)
	if err != nil {
		return config, fmt.Errorf("failed to read config file - %w", err)
	}

	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return config, fmt.Errorf("failed to parse config file %s - %w", configPath, err)
	}

	return config, nil
}

// parseImageArg parses "path[@base]".
func parseImageArg(arg string) (ImageConfig, error) {
	i := strings.LastIndexByte(arg, '@')
	if i < 0 {
		return ImageConfig{Path: arg}, nil
	}

	image := ImageConfig{
		Path: arg[:i],
		Base: arg[i+1:],
	}

	if image.Path == "" {
		return ImageConfig{}, fmt.Errorf("image argument %q has no path", arg)
	}

	_, err := image.base()
	if err != nil {
		return ImageConfig{}, fmt.Errorf("image argument %q has an invalid base - %w", arg, err)
	}

	return image, nil
}
