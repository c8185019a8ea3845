// internal/portuid/doc.go

/*
Package portuid provides the composite identifier of a pipeline terminal,
globally unique per (pipe stream, stage, terminal) triple.

The identifier packs the three fields into one 32-bit integer:

	bits 31..24  pipe stream id
	bits 23..12  stage id
	bits 11..0   terminal id

and has a canonical text form, e.g. `stream[1].stage[5].terminal[3]`.
The all-ones value is reserved for a disconnected terminal.
*/
package portuid
