// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	"github.com/codegangsta/cli"
	"github.com/golang/snappy"

	"github.com/dirstate2/dirstate2/pkg/dirstate"
)

var dirFlag = cli.StringFlag{
	Name:  "dir",
	Usage: "repository metadata directory holding dirstate/dirstate.<id>",
	Value: dirstate.DefaultConfig().Dir,
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "dirstate2"
	app.Usage = "inspect and maintain a dirstate-v2 docket/data-file pair"
	app.Commands = []cli.Command{
		{
			Name:   "init",
			Usage:  "create an empty dirstate at --dir",
			Flags:  []cli.Flag{dirFlag},
			Action: cmdInit,
		},
		{
			Name:   "stat",
			Usage:  "print the docket summary",
			Flags:  []cli.Flag{dirFlag},
			Action: cmdStat,
		},
		{
			Name:   "dump",
			Usage:  "print every tracked path and its flags",
			Flags:  []cli.Flag{dirFlag},
			Action: cmdDump,
		},
		{
			Name:   "verify",
			Usage:  "decode the whole tree and cross-check the tree-metadata counters",
			Flags:  []cli.Flag{dirFlag},
			Action: cmdVerify,
		},
		{
			Name:   "gc",
			Usage:  "sweep superseded, unreferenced data-file generations",
			Flags:  []cli.Flag{dirFlag},
			Action: cmdGC,
		},
		{
			Name:  "export",
			Usage: "write a snappy-compressed JSON snapshot of the tree",
			Flags: []cli.Flag{
				dirFlag,
				cli.StringFlag{Name: "out", Usage: "output file", Value: "dirstate.export.snappy"},
			},
			Action: cmdExport,
		},
		{
			Name:  "status",
			Usage: "serve a read-only HTML/JSON status page",
			Flags: []cli.Flag{
				dirFlag,
				cli.StringFlag{Name: "http", Usage: "listen address, e.g. :8080", Value: ":8080"},
			},
			Action: cmdStatusServer,
		},
	}
	return app
}

func cmdInit(c *cli.Context) error {
	if _, err := dirstate.Init(c.String("dir")); err != nil {
		return err
	}
	fmt.Println("initialized empty dirstate at", c.String("dir"))
	return nil
}

// openLeased opens the dirstate at dir and acquires a lease on its
// current generation, so a concurrent "gc" sweep won't delete the data
// file out from under this process while it's reading it. The returned
// closer releases the lease and the registry handle; callers must defer
// it.
func openLeased(dir string) (*dirstate.Manager, func(), error) {
	reg, err := dirstate.OpenRegistry(dir, nil)
	if err != nil {
		return nil, nil, err
	}
	mgr, err := dirstate.Open(dir, nil)
	if err != nil {
		reg.Close()
		return nil, nil, err
	}
	if err := mgr.Lease(reg); err != nil {
		mgr.Close()
		reg.Close()
		return nil, nil, err
	}
	return mgr, func() {
		mgr.Close()
		reg.Close()
	}, nil
}

func cmdStat(c *cli.Context) error {
	mgr, closeFn, err := openLeased(c.String("dir"))
	if err != nil {
		return err
	}
	defer closeFn()
	d := mgr.Docket()
	fmt.Printf("generation:       %s\n", d.DataFileName())
	fmt.Printf("used_size:        %d\n", d.UsedSize)
	fmt.Printf("unreachable_bytes: %d\n", d.Tree.UnreachableBytes)
	fmt.Printf("entries:          %d\n", d.Tree.DirstateEntryCount)
	fmt.Printf("copy sources:     %d\n", d.Tree.CopySourceCount)
	fmt.Printf("root count:       %d\n", d.Tree.RootCount)
	fmt.Printf("has ignore hash:  %v\n", d.Tree.HasIgnoreHash())
	return nil
}

func cmdDump(c *cli.Context) error {
	mgr, closeFn, err := openLeased(c.String("dir"))
	if err != nil {
		return err
	}
	defer closeFn()
	tree := treeFor(mgr)
	return tree.Walk(func(path string, n dirstate.Node) error {
		fmt.Printf("%s\tflags=%#04x\tsize=%d\tmtime=%d.%09d\n", path, uint16(n.Flags), n.Size, n.MtimeSeconds, n.MtimeNanoseconds)
		return nil
	})
}

func cmdVerify(c *cli.Context) error {
	mgr, closeFn, err := openLeased(c.String("dir"))
	if err != nil {
		return err
	}
	defer closeFn()
	d := mgr.Docket()
	tree := treeFor(mgr)

	var entries, copySrc uint32
	if err := tree.Walk(func(path string, n dirstate.Node) error {
		if n.Flags.TrackedAnywhere() {
			entries++
		}
		if len(n.CopySource) > 0 {
			copySrc++
		}
		return nil
	}); err != nil {
		return err
	}

	if entries != d.Tree.DirstateEntryCount {
		return fmt.Errorf("dirstate_entry_count mismatch: docket says %d, tree has %d", d.Tree.DirstateEntryCount, entries)
	}
	if copySrc != d.Tree.CopySourceCount {
		return fmt.Errorf("copy_source_count mismatch: docket says %d, tree has %d", d.Tree.CopySourceCount, copySrc)
	}
	fmt.Println("ok")
	return nil
}

func cmdGC(c *cli.Context) error {
	dir := c.String("dir")
	mgr, err := dirstate.Open(dir, nil)
	if err != nil {
		return err
	}
	reg, err := dirstate.OpenRegistry(dir, nil)
	if err != nil {
		return err
	}
	defer reg.Close()

	n, err := reg.Sweep(context.Background(), dir, mgr.Docket().ID)
	if err != nil {
		return err
	}
	fmt.Printf("swept %d generation(s)\n", n)
	return nil
}

// exportedNode is the JSON shape cmdExport writes: a flattened,
// diagnostic view of the tree, not a re-importable format.
type exportedNode struct {
	Path             string `json:"path"`
	Flags            uint16 `json:"flags"`
	Size             uint32 `json:"size,omitempty"`
	MtimeSeconds     uint32 `json:"mtime_seconds,omitempty"`
	MtimeNanoseconds uint32 `json:"mtime_nanoseconds,omitempty"`
	CopySource       string `json:"copy_source,omitempty"`
}

func cmdExport(c *cli.Context) error {
	mgr, closeFn, err := openLeased(c.String("dir"))
	if err != nil {
		return err
	}
	defer closeFn()
	tree := treeFor(mgr)

	f, err := os.Create(c.String("out"))
	if err != nil {
		return err
	}
	defer f.Close()

	w := snappy.NewBufferedWriter(f)
	enc := json.NewEncoder(w)
	err = tree.Walk(func(path string, n dirstate.Node) error {
		return enc.Encode(exportedNode{
			Path:             path,
			Flags:            uint16(n.Flags),
			Size:             n.Size,
			MtimeSeconds:     n.MtimeSeconds,
			MtimeNanoseconds: n.MtimeNanoseconds,
			CopySource:       string(n.CopySource),
		})
	})
	if err != nil {
		return err
	}
	return w.Close()
}

func treeFor(mgr *dirstate.Manager) *dirstate.Tree {
	d := mgr.Docket()
	return dirstate.NewTree(mgr.Data(), d.UsedSize, d.Tree.RootPtr, d.Tree.RootCount)
}

type statusPageData struct {
	Dir              string
	Generation       string
	UsedSize         uint32
	UnreachableBytes uint32
	UnreachableRatio float64
	EntryCount       uint32
	CopySourceCount  uint32
	HasIgnoreHash    bool
	FreeBytes        uint64
	TotalBytes       uint64
	Now              time.Time
}

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head><title>dirstate2 status</title></head>
<body>
<h3>dirstate2 — {{.Dir}}</h3>
<table border="1" cellpadding="6">
<tr><td>generation</td><td>{{.Generation}}</td></tr>
<tr><td>used_size</td><td>{{.UsedSize}}</td></tr>
<tr><td>unreachable_bytes</td><td>{{.UnreachableBytes}} ({{printf "%.1f" .UnreachableRatio}}%)</td></tr>
<tr><td>entries</td><td>{{.EntryCount}}</td></tr>
<tr><td>copy sources</td><td>{{.CopySourceCount}}</td></tr>
<tr><td>ignore hash present</td><td>{{.HasIgnoreHash}}</td></tr>
<tr><td>free disk space</td><td>{{.FreeBytes}} / {{.TotalBytes}} bytes</td></tr>
</table>
<p>generated {{.Now}}</p>
</body>
</html>`

var statusTemplate = template.Must(template.New("status").Parse(statusTemplateStr))

func cmdStatusServer(c *cli.Context) error {
	dir := c.String("dir")
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		mgr, closeFn, err := openLeased(dir)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer closeFn()
		data := genStatusData(dir, mgr)

		if r.Header.Get("Accept") == "application/json" {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(data)
			return
		}
		statusTemplate.Execute(w, data)
	})
	return http.ListenAndServe(c.String("http"), mux)
}

func genStatusData(dir string, mgr *dirstate.Manager) statusPageData {
	d := mgr.Docket()

	var ratio float64
	if d.UsedSize > 0 {
		ratio = 100 * float64(d.Tree.UnreachableBytes) / float64(d.UsedSize)
	}

	usage := sigar.FileSystemUsage{}
	if err := usage.Get(dir); err != nil {
		usage.Free = 0
		usage.Total = 0
	}

	return statusPageData{
		Dir:              dir,
		Generation:       d.DataFileName(),
		UsedSize:         d.UsedSize,
		UnreachableBytes: d.Tree.UnreachableBytes,
		UnreachableRatio: ratio,
		EntryCount:       d.Tree.DirstateEntryCount,
		CopySourceCount:  d.Tree.CopySourceCount,
		HasIgnoreHash:    d.Tree.HasIgnoreHash(),
		FreeBytes:        usage.Free * 1024,
		TotalBytes:       usage.Total * 1024,
		Now:              time.Now(),
	}
}
