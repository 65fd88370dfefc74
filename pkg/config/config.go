/*
 * Copyright 2022 Lunaris DB, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package config loads the YAML configuration of the mypool command
// line tool: connection settings, pool sizing, and logging.
package config

import (
	"io/ioutil"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lunarisdb/mypool/pkg/log"
	"github.com/lunarisdb/mypool/pkg/mysql"
	"github.com/lunarisdb/mypool/pkg/pool"
)

// Configuration is the root of the YAML file.
type Configuration struct {
	Connection Connection `yaml:"connection"`
	Pool       Pool       `yaml:"pool"`
	Log        log.Config `yaml:"log"`
}

// Connection mirrors the driver connect options.
type Connection struct {
	DSN string `yaml:"dsn"`

	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	UnixSocket  string        `yaml:"unix_socket"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database"`
	Charset     string        `yaml:"charset"`
	SQLMode     string        `yaml:"sql_mode"`
	InitCommand string        `yaml:"init_command"`
	Timeout     time.Duration `yaml:"connect_timeout"`
	Autocommit  bool          `yaml:"autocommit"`
	LocalInfile bool          `yaml:"local_infile"`
	TLS         string        `yaml:"tls"`

	ReadDefaultFile  string `yaml:"read_default_file"`
	ReadDefaultGroup string `yaml:"read_default_group"`
}

// Pool mirrors the pool options.
type Pool struct {
	MinSize int           `yaml:"minsize"`
	MaxSize int           `yaml:"maxsize"`
	Recycle time.Duration `yaml:"recycle"`
	Echo    bool          `yaml:"echo"`
}

// DriverConfig converts the YAML connection block into a driver
// Config. A DSN, when present, wins over the discrete fields.
func (c *Connection) DriverConfig() (*mysql.Config, error) {
	if c.DSN != "" {
		return mysql.ParseDSN(c.DSN)
	}

	cfg := mysql.NewConfig()
	addr := c.Host
	if addr == "" {
		addr = "127.0.0.1"
	}
	port := c.Port
	if port == 0 {
		port = 3306
	}
	cfg.Addr = addr + ":" + strconv.Itoa(port)
	cfg.UnixSocket = c.UnixSocket
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.DBName = c.Database
	if c.Charset != "" {
		cfg.Charset = c.Charset
	}
	cfg.SQLMode = c.SQLMode
	cfg.InitCommand = c.InitCommand
	cfg.Timeout = c.Timeout
	cfg.Autocommit = c.Autocommit
	cfg.LocalInfile = c.LocalInfile
	cfg.TLSConfig = c.TLS
	cfg.ReadDefaultFile = c.ReadDefaultFile
	cfg.ReadDefaultGroup = c.ReadDefaultGroup
	return cfg, nil
}

// PoolOptions converts the YAML pool block.
func (c *Pool) PoolOptions() pool.Options {
	minsize := c.MinSize
	if minsize == 0 {
		minsize = 1
	}
	maxsize := c.MaxSize
	if maxsize == 0 {
		maxsize = 10
	}
	recycle := c.Recycle
	if recycle == 0 {
		recycle = -1
	}
	return pool.Options{
		MinSize: minsize,
		MaxSize: maxsize,
		Recycle: recycle,
		Echo:    c.Echo,
	}
}

func parse(content []byte) *Configuration {
	cfg := &Configuration{}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		log.Fatalf("yaml unmarshal config failed, error: %v", err)
	}
	return cfg
}

// Load reads and parses the configuration file.
func Load(path string) *Configuration {
	configPath, _ := filepath.Abs(path)
	log.Infof("load config from: %s", configPath)
	content, err := ioutil.ReadFile(configPath)
	if err != nil {
		log.Fatalf("load config failed, error: %v", err)
	}
	return parse(content)
}
