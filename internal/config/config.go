// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package config is a singleton and provides global access to the
// runtime configuration values. Device identity (major, size, chunk
// size) is not configured here; it lives in the repository metadata.
package config

import (
	"github.com/ilyakaznacheev/cleanenv"
)

const (
	// Default config path. It does not need to exist, default values for all parameters will be
	// used instead.
	DefaultConfig = "/etc/fbd/config.toml"
)

var Cfg Config

// Configuration structure for the program. We use toml format for file-based
// configuration and also all configuration options can be overriden by
// environment variable specified in this structure.
type Config struct {
	Null       bool `toml:"null" env:"FBD_NULL" env-default:"false" env-description:"Use null backend, i.e. immediate acknowledge to read or write. For testing BUSE raw performance."`
	Threads    int  `toml:"threads" env:"FBD_THREADS" env-default:"0" env-description:"Number of user-space threads for serving queues. 0 means one per CPU."`
	BlockSize  int  `toml:"block_size" env:"FBD_BLOCKSIZE" env-default:"4096" env-description:"Block size."`
	Scheduler  bool `toml:"scheduler" env:"FBD_SCHEDULER" env-default:"false" env-description:"Use block layer scheduler."`
	QueueDepth int  `toml:"queue_depth" env:"FBD_QUEUEDEPTH" env-default:"128" env-description:"Device IO queue depth."`
	DirectIO   bool `toml:"direct_io" env:"FBD_DIRECTIO" env-default:"false" env-description:"Open chunk backing files with O_DIRECT."`

	Write struct {
		Durable       bool `toml:"durable" env:"FBD_WRITE_DURABLE" env-default:"true" env-description:"Flush semantics. True means durable, false means barrier only."`
		BufSize       int  `toml:"shared_buffer_size" env:"FBD_WRITE_BUFSIZE" env-description:"Write shared memory size in MB." env-default:"32"`
		ChunkSize     int  `toml:"chunk_size" env:"FBD_WRITE_CHUNKSIZE" env-description:"Write batch size in MB." env-default:"4"`
		CollisionSize int  `toml:"collision_chunk_size" env:"FBD_WRITE_COLSIZE" env-description:"Collision size in MB." env-default:"1"`
	} `toml:"write"`

	Read struct {
		BufSize int `toml:"shared_buffer_size" env:"FBD_READ_BUFSIZE" env-description:"Read shared memory size in MB." env-default:"32"`
	} `toml:"read"`

	Flush struct {
		WindowMs int64 `toml:"window" env:"FBD_FLUSH_WINDOW" env-description:"Coalescing window for background allocation table writes. In ms." env-default:"200"`
	} `toml:"flush"`

	Recovery struct {
		Strict bool `toml:"strict" env:"FBD_RECOVERY_STRICT" env-default:"false" env-description:"Abort startup on a chunk whose backing file is missing or mis-sized instead of re-creating it."`
	} `toml:"recovery"`

	Log struct {
		Level  int  `toml:"level" env:"FBD_LOG_LEVEL" env-description:"Log level." env-default:"-1"`
		Pretty bool `toml:"pretty" env:"FBD_LOG_PRETTY" env-description:"Pretty logging." env-default:"true"`
	} `toml:"log"`

	Profiler     bool `toml:"profiler" env:"FBD_PROFILER" env-description:"Enable golang web profiler." env-default:"false"`
	ProfilerPort int  `toml:"profiler_port" env:"FBD_PROFILER_PORT" env-description:"Port to listen on." env-default:"6060"`
}

// Configure reads the configuration file and the environment
// variables. The configuration file has the lower priority and the
// environment variables have the highest priority. It is perfectly
// fine to use just one of these or to combine them.
func Configure(path string) error {
	if err := cleanenv.ReadConfig(path, &Cfg); err != nil {
		if err := cleanenv.ReadEnv(&Cfg); err != nil {
			return err
		}
	}

	Cfg.Write.BufSize *= 1024 * 1024
	Cfg.Write.ChunkSize *= 1024 * 1024
	Cfg.Write.CollisionSize *= 1024 * 1024
	Cfg.Read.BufSize *= 1024 * 1024

	if Cfg.BlockSize != 512 {
		Cfg.BlockSize = 4096
	}

	return nil
}
