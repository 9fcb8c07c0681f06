// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"

	"github.com/kadirpekel/warder/pkg/config"
	"github.com/kadirpekel/warder/pkg/logger"
)

const (
	// DefaultLogFormat is used when neither the flag nor LOG_FORMAT is set.
	DefaultLogFormat = "simple"
	DefaultLogLevel  = "info"
)

// initLoggerFromCLI initializes the logger from flags, which kong already
// falls back to LOG_LEVEL, LOG_FILE and LOG_FORMAT for.
func initLoggerFromCLI(level, file, format string) (func(), error) {
	if level == "" {
		level = DefaultLogLevel
	}
	if format == "" {
		format = DefaultLogFormat
	}
	return initLogger(level, file, format)
}

// initLoggerFromConfig applies the config file logger section for any
// setting the command line left empty.
func initLoggerFromConfig(cli *CLI, cfg *config.LoggerConfig) (func(), error) {
	if cli.LogLevel != "" && cli.LogFile != "" && cli.LogFormat != "" {
		return nil, nil
	}
	level, file, format := cli.LogLevel, cli.LogFile, cli.LogFormat
	if level == "" {
		level = cfg.Level
	}
	if file == "" {
		file = cfg.File
	}
	if format == "" {
		format = cfg.Format
	}
	return initLoggerFromCLI(level, file, format)
}

func initLogger(levelName, file, format string) (func(), error) {
	level, err := logger.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		cleanup = closeFn
	}

	logger.Init(level, output, format)
	return cleanup, nil
}
