// Package logx is stationdb's structured logger on top of zerolog.
//
// Console output is human readable unless JSON is requested, the file sink is
// always JSON. Levels can be overridden per component ("seedlink", "storage")
// and the whole configuration can be swapped at runtime.
package logx
