/*
Package loom is a single-threaded, edge-triggered epoll HTTP/1.1 server for Linux.

One goroutine, locked to its OS thread, runs the event loop. Every connection owns
a fixed request buffer and a fixed response buffer; requests are parsed in place and
responses are rendered straight into the write buffer, so the hot path does not
allocate.

Features

  - Edge-triggered epoll reactor with an eventfd for shutdown and a timerfd for idle timeouts
  - Keep-alive and FIFO pipelining, with compaction of the request buffer between requests
  - Strict zero-copy request parser (method, path, query, version, headers, Content-Length)
  - Bounded response serializer: a response that does not fit is answered with 413
  - Indexed min-heap timer with O(1) cancellation
  - Radix router with :param and *catchAll segments
  - Static files served through an LRU of open descriptors
  - /stats endpoint encoded as JSON or protobuf

Quick Start

	package main

	import (
	    "github.com/searchktools/loom/app"
	    "github.com/searchktools/loom/config"
	    "github.com/searchktools/loom/core/http"
	)

	func main() {
	    cfg := config.New()
	    application, err := app.New(cfg)
	    if err != nil {
	        panic(err)
	    }

	    engine := application.Engine()
	    engine.GET("/hello", func(req *http.Request, resp *http.Response) error {
	        resp.String(200, "Hello, World!")
	        return nil
	    })

	    application.Run()
	}

Modules

  - app: process lifecycle, SIGINT/SIGTERM to shutdown
  - config: defaults, JSON file, LOOM_* environment and flags
  - core: engine, reactor and per-connection state machine
  - core/http: request parser, response serializer
  - core/router: route table
  - core/timer: idle timeout heap and timerfd clock
  - core/poller: epoll wrapper
  - core/pools: registry slab and byte pool
  - core/ring: power-of-two ring buffer
  - core/static: static file handlers
  - core/stats: counters and the stats handler

# Limits

HTTP/2, TLS and chunked transfer-encoding are not supported. Buffers never grow: a
request or response larger than its buffer is rejected with 413.
*/
package loom
