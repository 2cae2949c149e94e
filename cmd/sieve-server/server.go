package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	rejectionTimeout          = 500 * time.Millisecond
	errMaxConnectionsResponse = "-ERR max number of clients reached\r\n"
)

// serve listens on the configured port and blocks until SIGINT or SIGTERM
// has been handled. Connections beyond --max-conn are refused with an error
// line. Shutdown stops accepting, then waits up to --shutdown-timeout for
// open connections to finish.
func (app *application) serve() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", app.config.Port))
	if err != nil {
		return err
	}
	app.listener = ln
	addr := ln.Addr().String()

	if app.readyCh != nil {
		close(app.readyCh)
	}

	shutdownError := make(chan error, 1)
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		s := <-quit
		app.logger.Info("shutting down server", "signal", s.String(), "address", addr)
		shutdownError <- app.shutdown(ln)
	}()

	app.logger.Info("server starting", "address", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			app.logger.Error("failed to accept connection", "error", err, "address", addr)
			continue
		}

		select {
		case app.connLimiter <- struct{}{}:
			app.wg.Add(1)
			go app.handleConnection(conn)
		default:
			app.logger.Warn("rejecting connection, limit reached", "remote_addr", conn.RemoteAddr().String())
			// Bound the write so a client that never reads cannot stall
			// the accept loop.
			_ = conn.SetWriteDeadline(time.Now().Add(rejectionTimeout))
			_, _ = io.WriteString(conn, errMaxConnectionsResponse)
			_ = conn.Close()
		}
	}

	err = <-shutdownError
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		app.logger.Error("server stopped with error", "error", err, "address", addr)
		return err
	}
	app.logger.Info("server stopped", "address", addr)
	return nil
}

// shutdown closes ln and waits for the connection handlers.
func (app *application) shutdown(ln net.Listener) error {
	ctx, cancel := context.WithTimeout(context.Background(), app.config.ShutdownTimeout)
	defer cancel()

	if err := ln.Close(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleConnection runs the request loop of one client. Replies are
// buffered and flushed only once the parser has no pipelined input left,
// so a pipeline of N commands costs one write.
func (app *application) handleConnection(conn net.Conn) {
	defer func() { <-app.connLimiter }()
	defer app.wg.Done()
	defer func() { _ = conn.Close() }()

	app.metrics.TotalConnections.Add(1)

	logger := app.logger.With("conn_id", uuid.NewString(), "remote_addr", conn.RemoteAddr().String())
	logger.Debug("new connection")

	parser := NewParser(conn)
	writer := bufio.NewWriterSize(conn, 4096)
	defer func() { _ = writer.Flush() }()

	for {
		if app.config.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(app.config.IdleTimeout)); err != nil {
				logger.Error("failed to set read deadline", "error", err)
				return
			}
		}

		parts, err := parser.Parse()
		if err != nil {
			if err == io.EOF {
				logger.Debug("client disconnected")
				return
			}
			logger.Warn("parser error", "error", err)
			// Protocol errors are RESP-ready; tell the client before hanging up.
			var netErr net.Error
			if !errors.As(err, &netErr) && !errors.Is(err, io.ErrUnexpectedEOF) {
				_ = app.writeErrorResponse(writer, err.Error())
			}
			return
		}

		app.router.Dispatch(app, writer, parts)

		if parser.Buffered() == 0 {
			if err := writer.Flush(); err != nil {
				logger.Error("failed to flush response", "error", err)
				return
			}
		}
	}
}
