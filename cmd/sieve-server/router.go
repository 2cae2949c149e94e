package main

import (
	"fmt"
	"io"
	"strings"
)

// CommandHandler writes the reply for one command to w.
type CommandHandler func(w io.Writer, args []string)

// Router maps upper-cased command names to handlers.
type Router struct {
	handlers map[string]CommandHandler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[string]CommandHandler)}
}

func (r *Router) Handle(name string, handler CommandHandler) {
	r.handlers[strings.ToUpper(name)] = handler
}

// Dispatch runs the handler for parts[0]. Unknown commands get an error
// reply; empty commands are ignored.
func (r *Router) Dispatch(app *application, w io.Writer, parts []string) {
	if len(parts) == 0 {
		return
	}
	app.metrics.TotalCommands.Add(1)

	name := strings.ToUpper(parts[0])
	handler, ok := r.handlers[name]
	if !ok {
		app.unknownCommandResponse(w, name)
		return
	}
	handler(w, parts[1:])
}

func (app *application) unknownCommandResponse(w io.Writer, name string) {
	_ = app.writeErrorResponse(w, fmt.Sprintf("ERR unknown command '%s'", name))
}

func (app *application) wrongNumberOfArgsResponse(w io.Writer, name string) {
	_ = app.writeErrorResponse(w, fmt.Sprintf("ERR wrong number of arguments for '%s' command", name))
}

func (app *application) syntaxErrorResponse(w io.Writer) {
	_ = app.writeErrorResponse(w, "ERR syntax error")
}

// errorResponse replies with err's text behind the ERR prefix.
func (app *application) errorResponse(w io.Writer, err error) {
	_ = app.writeErrorResponse(w, "ERR "+err.Error())
}
