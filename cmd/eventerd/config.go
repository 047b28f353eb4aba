package main

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-eventer/eventer"
)

type (
	// daemonConfig is the daemon's TOML configuration file.
	//
	//	status_listen = "127.0.0.1:8099"
	//
	//	[eventer]
	//	default_queue_threads = 8
	//
	//	[[check]]
	//	name = "dns"
	//	target = "1.1.1.1:53"
	//	period = "10s"
	//	timeout = "2s"
	daemonConfig struct {
		StatusListen string         `toml:"status_listen"`
		Eventer      map[string]any `toml:"eventer"`
		Checks       []checkConfig  `toml:"check"`
	}

	checkConfig struct {
		Name    string        `toml:"name"`
		Target  string        `toml:"target"`
		Period  time.Duration `toml:"period"`
		Timeout time.Duration `toml:"timeout"`
	}
)

const (
	defaultPeriod  = 30 * time.Second
	defaultTimeout = 5 * time.Second
)

func loadConfig(path string) (*daemonConfig, error) {
	var c daemonConfig
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return nil, fmt.Errorf(`config %s: %w`, path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf(`config %s: unknown keys: %v`, path, undecoded)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf(`config %s: %w`, path, err)
	}
	return &c, nil
}

func (c *daemonConfig) validate() error {
	if c.StatusListen != `` {
		if _, err := net.ResolveTCPAddr(`tcp4`, c.StatusListen); err != nil {
			return fmt.Errorf(`status_listen: %w`, err)
		}
	}
	seen := make(map[string]bool, len(c.Checks))
	for i := range c.Checks {
		ch := &c.Checks[i]
		if ch.Name == `` || ch.Target == `` {
			return errors.New(`check: name and target are required`)
		}
		if seen[ch.Name] {
			return fmt.Errorf(`check %s: duplicate name`, ch.Name)
		}
		seen[ch.Name] = true
		if _, _, err := net.SplitHostPort(ch.Target); err != nil {
			return fmt.Errorf(`check %s: %w`, ch.Name, err)
		}
		if ch.Period == 0 {
			ch.Period = defaultPeriod
		}
		if ch.Timeout == 0 {
			ch.Timeout = defaultTimeout
		}
		if ch.Period < 0 || ch.Timeout < 0 {
			return fmt.Errorf(`check %s: negative duration`, ch.Name)
		}
	}
	return nil
}

// reactorConfig returns the [eventer] table, in the form the core applies.
func (c *daemonConfig) reactorConfig() *eventer.Config {
	return &eventer.Config{Eventer: c.Eventer}
}
