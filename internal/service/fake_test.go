package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/msfharvest/internal/harvest"
)

const optionsOut = `
Module options (%s):

   Name   Current Setting  Required  Description
   ----   ---------------  --------  -----------
   RHOSTS                  yes       The target host(s)
   RPORT  445              yes       The target port (TCP)


Exploit target:

   Id  Name
   --  ----
   0   Automatic Target



`

const listingOut = `
Matching Modules
================

   #  Name                                      Disclosure Date  Rank       Check  Description
   -  ----                                      ---------------  ----       -----  -----------
   0  exploit/windows/smb/ms17_010_eternalblue  2017-03-14       average    Yes    MS17-010 EternalBlue
   1  exploit/unix/ftp/vsftpd_234_backdoor      2011-07-03       excellent  No     VSFTPD v2.3.4 Backdoor

`

var errBroken = errors.New("console broken")

// fakeConsole is a console knowing every module, except those in broken
type fakeConsole struct {
	mx      sync.Mutex
	broken  map[string]bool
	current string
	closed  atomic.Bool
	calls   []string
}

func (f *fakeConsole) RunCommand(_ context.Context, cmd string) (string, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if f.closed.Load() {
		return "", errBroken
	}
	f.calls = append(f.calls, cmd)
	switch {
	case strings.HasPrefix(cmd, "use "):
		f.current = strings.TrimPrefix(cmd, "use ")
	case cmd == "show options":
		if f.broken[f.current] {
			return "garbage", nil
		}
		return fmt.Sprintf(optionsOut, f.current), nil
	case cmd == "back":
		f.current = ""
	case cmd == "show exploits":
		return listingOut, nil
	case cmd == "version":
		return "Framework: 6.4.0-dev", nil
	}
	return "", nil
}

func (f *fakeConsole) Clear() {}

func (f *fakeConsole) Close() error {
	if f.closed.Swap(true) {
		return errors.New("already closed")
	}
	return nil
}

// consoles is a harvest.Opener recording the consoles it opened
type consoles struct {
	mx      sync.Mutex
	opened  []*fakeConsole
	broken  map[string]bool
	openErr error
}

func (c *consoles) open(_ context.Context) (harvest.Session, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.openErr != nil {
		return nil, c.openErr
	}
	f := &fakeConsole{broken: c.broken}
	c.opened = append(c.opened, f)
	return f, nil
}

func (c *consoles) allClosed() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	for _, f := range c.opened {
		if !f.closed.Load() {
			return false
		}
	}
	return true
}
