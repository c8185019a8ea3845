package hcl

import (
	"github.com/hashicorp/hcl/v2"
)

// fileRoot decodes every top-level block a catalog file may contain.
type fileRoot struct {
	Catalogs []*catalogBlock `hcl:"catalog,block"`
	Graphs   []*graphBlock   `hcl:"graph,block"`
	Remain   hcl.Body        `hcl:",remain"`
}

type catalogBlock struct {
	Version int    `hcl:"version"`
	Sensor  string `hcl:"sensor"`
}

type graphBlock struct {
	Name          string        `hcl:"name,label"`
	ID            int           `hcl:"id"`
	Pipe          string        `hcl:"pipe"`
	OperationMode *int          `hcl:"operation_mode,optional"`
	Stages        []*stageBlock `hcl:"stage,block"`
	Sinks         []*sinkBlock  `hcl:"sink,block"`
	Links         []*linkBlock  `hcl:"link,block"`
}

type stageBlock struct {
	Name      string           `hcl:"name,label"`
	Resource  int              `hcl:"resource"`
	Context   *int             `hcl:"context,optional"`
	Kernels   []*kernelBlock   `hcl:"kernel,block"`
	Terminals []*terminalBlock `hcl:"terminal,block"`
	// Params is a free-form map; values of any primitive type are kept as
	// strings.
	Params hcl.Expression `hcl:"params,optional"`
}

type kernelBlock struct {
	Name   string `hcl:"name,label"`
	UUID   int    `hcl:"uuid"`
	Offset *int   `hcl:"offset,optional"`
	Size   int    `hcl:"size"`
}

type terminalBlock struct {
	Name    string  `hcl:"name,label"`
	ID      int     `hcl:"id"`
	Kind    string  `hcl:"kind"`
	Format  *string `hcl:"format,optional"`
	Width   *int    `hcl:"width,optional"`
	Height  *int    `hcl:"height,optional"`
	Size    *int    `hcl:"size,optional"`
	InPlace *bool   `hcl:"in_place,optional"`
}

type sinkBlock struct {
	Name   string `hcl:"name,label"`
	ID     int    `hcl:"id"`
	Width  int    `hcl:"width"`
	Height int    `hcl:"height"`
	Format string `hcl:"format"`
}

type linkBlock struct {
	Src        string  `hcl:"src"`
	Dst        string  `hcl:"dst"`
	Type       string  `hcl:"type"`
	Active     *bool   `hcl:"active,optional"`
	FrameDelay *int    `hcl:"frame_delay,optional"`
	Streaming  *string `hcl:"streaming,optional"`
}
