package main

// commands registers every command the server understands.
func (app *application) commands() *Router {
	router := NewRouter()

	router.Handle("PING", app.handlePing)
	router.Handle("INFO", app.handleInfo)
	router.Handle("DEL", app.handleDel)
	router.Handle("COMPACT", app.handleCompact)

	router.Handle("BF.RESERVE", app.handleBFReserve)
	router.Handle("BF.ADD", app.handleBFAdd)
	router.Handle("BF.MADD", app.handleBFMAdd)
	router.Handle("BF.FASTADD", app.handleBFFastAdd)
	router.Handle("BF.EXISTS", app.handleBFExists)
	router.Handle("BF.MEXISTS", app.handleBFMExists)
	router.Handle("BF.CARD", app.handleBFCard)
	router.Handle("BF.INFO", app.handleBFInfo)

	router.Handle("BF.UNION", app.handleBFUnion)
	router.Handle("BF.INTER", app.handleBFInter)
	router.Handle("BF.COPY", app.handleBFCopy)
	router.Handle("BF.DUMP", app.handleBFDump)
	router.Handle("BF.RESTORE", app.handleBFRestore)

	router.Handle("BF.SAVE", app.handleBFSave)
	router.Handle("BF.LOAD", app.handleBFLoad)
	router.Handle("BF.SAVED", app.handleBFSaved)
	router.Handle("BF.UNSAVE", app.handleBFUnsave)

	return router
}
