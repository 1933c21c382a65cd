// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the level-triggered readiness notifier driving
// every tcpmux worker: a narrow register / set-interest / deregister / run
// surface over epoll on Linux, with an in-memory stand-in for tests under
// the fake package.
package reactor
