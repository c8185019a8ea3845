// Package hcl provides the HCL implementation of the config.Loader interface
// for graph catalogs. It is responsible for file discovery, parsing, decoding
// blocks into the schema types, and translating them into topologystore
// graphs.
//
// A catalog looks like:
//
//	catalog {
//	  version = 1
//	  sensor  = "ov13b10"
//	}
//
//	graph "video_2out" {
//	  id   = 100
//	  pipe = "video"
//
//	  stage "isys" {
//	    resource = 1
//	    context  = 0
//	    terminal "in"  { id = 0, kind = "data_in" }
//	    terminal "out" { id = 1, kind = "data_out", format = "BG10", width = 4096, height = 3072 }
//	  }
//
//	  sink "main" { id = 0, width = 1920, height = 1080, format = "NV12" }
//
//	  link { src = "source:0", dst = "isys:0", type = "source_to_node" }
//	}
package hcl
