// Package locspec implements code to parse a string into a source location
// or a breakpoint specification.
//
// Location spec examples:
//
//	locStr ::= <filename>:<line>
//	bpStr  ::= <locStr>[:<variable>[,<variable>]*]
//
// where:
//   - <filename> can be relative to the source directory or absolute, it may
//     contain ':' since only the last separators are significant
//   - <line> is a positive line number
//   - <variable> is the name of a variable watched at every hit
package locspec
