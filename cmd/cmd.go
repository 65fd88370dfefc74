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

package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lunarisdb/mypool/pkg/config"
	"github.com/lunarisdb/mypool/pkg/log"
	"github.com/lunarisdb/mypool/pkg/pool"
)

func main() {
	if err := rootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}

var (
	Version = "0.1.0"

	configPath string

	rootCommand = &cobra.Command{
		Use:     "mypool",
		Short:   "mypool is a MySQL client and connection pool",
		Version: Version,
	}

	pingCommand = &cobra.Command{
		Use:   "ping",
		Short: "check that the configured server is reachable",

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			p, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closePool(ctx, p)

			conn, err := p.Acquire(ctx)
			if err != nil {
				return err
			}
			defer p.Release(conn)

			if err := conn.Ping(ctx, false); err != nil {
				return err
			}
			fmt.Printf("%s is alive (server %s)\n", conn.HostInfo(), conn.ServerVersion())
			return nil
		},
	}

	queryCommand = &cobra.Command{
		Use:   "query [sql]",
		Short: "execute a statement and print the result",
		Args:  cobra.MinimumNArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			p, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer closePool(ctx, p)

			conn, err := p.Acquire(ctx)
			if err != nil {
				return err
			}
			defer p.Release(conn)

			cursor := conn.Cursor()
			defer cursor.Close(ctx)

			if _, err := cursor.Execute(ctx, strings.Join(args, " ")); err != nil {
				return err
			}

			for {
				if desc := cursor.Description(); desc != nil {
					names := make([]string, len(desc))
					for i, d := range desc {
						names[i] = d.Name
					}
					fmt.Println(strings.Join(names, "\t"))

					rows, err := cursor.Fetchall(ctx)
					if err != nil {
						return err
					}
					for _, row := range rows {
						cells := make([]string, len(row))
						for i, v := range row {
							if v == nil {
								cells[i] = "NULL"
							} else {
								cells[i] = fmt.Sprintf("%v", v)
							}
						}
						fmt.Println(strings.Join(cells, "\t"))
					}
				} else {
					fmt.Printf("OK, %d rows affected\n", cursor.Rowcount())
				}

				more, err := cursor.NextSet(ctx)
				if err != nil {
					return err
				}
				if !more {
					return nil
				}
			}
		},
	}
)

func openPool(ctx context.Context) (*pool.Pool, error) {
	conf := config.Load(configPath)
	log.Init(conf.Log)

	driverConf, err := conf.Connection.DriverConfig()
	if err != nil {
		return nil, err
	}
	return pool.CreatePool(ctx, driverConf, conf.Pool.PoolOptions())
}

func closePool(ctx context.Context, p *pool.Pool) {
	p.Close()
	if err := p.WaitClosed(ctx); err != nil {
		log.Errorf("closing pool: %v", err)
	}
}

func init() {
	rootCommand.PersistentFlags().StringVarP(&configPath, "config", "c", "mypool.yaml", "configuration file path")
	rootCommand.AddCommand(pingCommand)
	rootCommand.AddCommand(queryCommand)
}
