// Copyright 2026 The Restartvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command restartctl is a client for restartvisord.  It uses subcommands.
//
// The flags are
//
//	-a <address>	- the daemon's address, default is
//			  http://127.0.0.1:8321
//
// Subcommands are
//
//	list                - list all deployments
//	status [<id> ...]   - show status for the named deployments (or all)
//	info <id>           - show more detailed deployment info
//	enable <id>         - enable auto-restart for the deployment
//	disable <id>        - disable auto-restart for the deployment
//	restart <id>        - restart the deployment now
//	history <id>        - show the deployment's restart history
//	clear <id>          - forget the deployment's restart history
//	log [-f]            - show the supervisor's event log, -f follows it
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/claude-mpm/restartvisor"
	"github.com/claude-mpm/restartvisor/rest"
)

var addr = "http://127.0.0.1:8321"

var logger *zap.Logger

func usage() {
	logger.Fatal(fmt.Sprintf("Usage: %s [-a <address>] <subcommand>", os.Args[0]))
}

func fatal(e error) {
	logger.Fatal("Failed", zap.Error(e))
}

func showStatus(s *restartvisor.DeploymentInfo) {
	d := time.Since(s.TimeStamp)
	// for printing second resolution is sufficient
	d -= d % time.Second
	fmt.Printf("%-16s %-10s %-9s %-9s %10s %s\n", s.ID,
		s.State, s.Health, s.Circuit, d.String(), s.Status)
}

type sorted []*restartvisor.DeploymentInfo

func (s sorted) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sorted) Len() int {
	return len(s)
}

func (s sorted) Less(i, j int) bool {
	a := s[i]
	b := s[j]

	if (a.Circuit != restartvisor.CircuitClosed) != (b.Circuit != restartvisor.CircuitClosed) {
		// put tripped circuits at front
		return a.Circuit != restartvisor.CircuitClosed
	}
	if a.AutoRestart != b.AutoRestart {
		return a.AutoRestart
	}
	return a.ID < b.ID
}

func one(args []string) string {
	if len(args) != 2 {
		usage()
	}
	return args[1]
}

func main() {
	cfg := zap.NewDevelopmentConfig()
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = ""
	logger, _ = cfg.Build()

	pflag.StringVarP(&addr, "addr", "a", addr, "restartvisord address")
	follow := pflag.BoolP("follow", "f", false, "follow the log")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client := rest.NewClient(nil, addr)
	args := pflag.Args()
	if len(args) == 0 {
		args = []string{"status"}
	}

	switch args[0] {
	case "list":
		if len(args) != 1 {
			usage()
		}
		ids, e := client.Deployments(ctx)
		if e != nil {
			fatal(e)
		}
		for _, id := range ids {
			fmt.Println(id)
		}

	case "enable":
		if e := client.EnableAutoRestart(ctx, one(args)); e != nil {
			fatal(e)
		}

	case "disable":
		if e := client.DisableAutoRestart(ctx, one(args)); e != nil {
			fatal(e)
		}

	case "restart":
		res, e := client.Restart(ctx, one(args))
		if e != nil {
			fatal(e)
		}
		if !res.Success {
			msg := "restart failed"
			if res.Attempt != nil && res.Attempt.Error != "" {
				msg = res.Attempt.Error
			}
			logger.Fatal(msg)
		}

	case "clear":
		if e := client.ClearHistory(ctx, one(args)); e != nil {
			fatal(e)
		}

	case "history":
		h, e := client.History(ctx, one(args))
		if e != nil {
			fatal(e)
		}
		for _, a := range h.Attempts {
			result := "ok"
			if !a.Success {
				result = "failed: " + a.Error
			}
			fmt.Printf("%4d  %s  %s\n", a.AttemptNumber,
				a.Timestamp.Local().Format(time.RFC3339), result)
		}

	case "log":
		if len(args) != 1 {
			usage()
		}
		l, e := client.GetLog(ctx)
		if e != nil {
			fatal(e)
		}
		var last int64
		for {
			for _, r := range l.Records {
				if r.Id > last {
					fmt.Println(r.Text)
					last = r.Id
				}
			}
			if !*follow {
				break
			}
			if l, e = client.WatchLog(ctx, l); e != nil {
				if ctx.Err() != nil {
					return
				}
				fatal(e)
			}
		}

	case "info":
		s, e := client.Deployment(ctx, one(args))
		if e != nil {
			fatal(e)
		}
		fmt.Printf("ID:          %s\n", s.ID)
		fmt.Printf("State:       %s\n", s.State)
		fmt.Printf("AutoRestart: %v\n", s.AutoRestart)
		fmt.Printf("Monitoring:  %v\n", s.Monitoring)
		fmt.Printf("Health:      %s\n", s.Health)
		fmt.Printf("Circuit:     %s\n", s.Circuit)
		fmt.Printf("Attempts:    %d\n", s.Attempts)
		if a := s.LastAttempt; a != nil {
			fmt.Printf("Last:        #%d at %s (success %v) %s\n",
				a.AttemptNumber, a.Timestamp.Local().Format(time.RFC3339),
				a.Success, a.Error)
		}
		fmt.Printf("Since:       %v\n", time.Since(s.TimeStamp))
		fmt.Printf("Detail:      %s\n", s.Status)

	case "status":
		ids := args[1:]
		var e error
		if len(ids) == 0 {
			ids, e = client.Deployments(ctx)
			if e != nil {
				fatal(e)
			}
		}
		infos := []*restartvisor.DeploymentInfo{}
		for _, id := range ids {
			info, e := client.Deployment(ctx, id)
			if e == nil {
				infos = append(infos, info)
			} else {
				logger.Warn("Failed", zap.String("deployment", id), zap.Error(e))
			}
		}
		sort.Sort(sorted(infos))
		for _, info := range infos {
			showStatus(info)
		}

	default:
		usage()
	}
}
