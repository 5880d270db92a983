// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package crate

import (
	"bytes"
	"reflect"
	"strings"
	"testing"

	"github.com/cratepkg/crate/archive"
	"github.com/cratepkg/crate/importer"
	"github.com/cratepkg/crate/pickle"
)

// recordingSink captures the record sequence in order.
type recordingSink struct {
	names      []string
	data       map[string][]byte
	minVersion int
	closed     bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{data: make(map[string][]byte)}
}

func (s *recordingSink) WriteRecord(name string, data []byte) error {
	s.names = append(s.names, name)
	s.data[name] = append([]byte(nil), data...)
	return nil
}

func (s *recordingSink) SetMinVersion(v int) { s.minVersion = v }
func (s *recordingSink) Close() error        { s.closed = true; return nil }

// mapImporter is an in-memory lookup oracle.
type mapImporter struct {
	modules map[string]*importer.Module
}

func newMapImporter() *mapImporter {
	return &mapImporter{modules: make(map[string]*importer.Module)}
}

func (m *mapImporter) addSource(name, src string, isPackage bool) *mapImporter {
	m.modules[name] = importer.NewSourceModule(name, src, isPackage)
	return m
}

// addSourceless registers a module that resolves but has no source,
// like a built-in or extension module.
func (m *mapImporter) addSourceless(name string) *mapImporter {
	m.modules[name] = &importer.Module{Name: name}
	return m
}

func (m *mapImporter) ImportModule(name string) (*importer.Module, error) {
	if mod, ok := m.modules[name]; ok {
		return mod, nil
	}
	return nil, &importer.NotFoundError{Module: name}
}

// testStorage is a comparable Storage implementation.
type testStorage struct {
	tag      string
	location string
	payload  []byte
}

func (s *testStorage) TypeTag() string  { return s.tag }
func (s *testStorage) Location() string { return s.location }
func (s *testStorage) ElemCount() int64 { return int64(len(s.payload)) }
func (s *testStorage) ElemSize() int64  { return 1 }
func (s *testStorage) Local() bool      { return s.location == "cpu" }
func (s *testStorage) ToLocal() Storage {
	return &testStorage{tag: s.tag, location: "cpu", payload: s.payload}
}
func (s *testStorage) Bytes() ([]byte, error) { return s.payload, nil }

func TestSingleModuleNoDeps(t *testing.T) {
	sink := newRecordingSink()
	e := NewExporter(sink, newMapImporter())

	if err := e.SaveSourceString("a", "x = 1", false, true); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	want := []string{"a.py", ".data/extern_modules"}
	if !reflect.DeepEqual(sink.names, want) {
		t.Fatalf("records = %v, want %v", sink.names, want)
	}
	if got := string(sink.data["a.py"]); got != "x = 1" {
		t.Errorf("a.py = %q, want %q", got, "x = 1")
	}
	if got := string(sink.data[".data/extern_modules"]); got != "\n" {
		t.Errorf("extern manifest = %q, want a single newline", got)
	}
	if sink.minVersion != 6 {
		t.Errorf("minVersion = %d, want 6", sink.minVersion)
	}
	if !sink.closed {
		t.Error("sink not closed after Close")
	}
}

func TestTransitiveSourceClosure(t *testing.T) {
	imp := newMapImporter().
		addSource("b", "import sys\n", false).
		addSourceless("sys")
	sink := newRecordingSink()
	e := NewExporter(sink, imp)

	if err := e.Intern([]string{"b"}, nil, true); err != nil {
		t.Fatal(err)
	}
	// sys is never implicitly externed, so it needs its own rule.
	if err := e.Extern([]string{"sys"}, nil, true); err != nil {
		t.Fatal(err)
	}
	if err := e.SaveSourceString("a", "import b\n", false, true); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	for _, rec := range []string{"a.py", "b.py"} {
		if _, ok := sink.data[rec]; !ok {
			t.Errorf("archive is missing %s", rec)
		}
	}
	if got := string(sink.data[".data/extern_modules"]); got != "sys\n" {
		t.Errorf("extern manifest = %q, want %q", got, "sys\n")
	}
}

func TestMockWithGlob(t *testing.T) {
	imp := newMapImporter().
		addSource("lib.x", "", false).
		addSource("lib.y.z", "", false)
	sink := newRecordingSink()
	e := NewExporter(sink, imp)

	if err := e.Mock([]string{"lib.**"}, nil, true); err != nil {
		t.Fatal(err)
	}
	if err := e.SaveSourceString("a", "import lib.x\nimport lib.y.z\n", false, true); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	for _, rec := range []string{"_mock.py", "lib/x.py", "lib/y/z.py", "a.py"} {
		if _, ok := sink.data[rec]; !ok {
			t.Errorf("archive is missing %s", rec)
		}
	}
	if got := string(sink.data["lib/x.py"]); !strings.Contains(got, "MockedObject") {
		t.Errorf("lib/x.py is not a mock redirect: %q", got)
	}
	if got := string(sink.data[".data/extern_modules"]); got != "\n" {
		t.Errorf("extern manifest = %q, want unchanged", got)
	}

	stubs := 0
	for _, n := range sink.names {
		if n == "_mock.py" {
			stubs++
		}
	}
	if stubs != 1 {
		t.Errorf("_mock.py emitted %d times, want once", stubs)
	}
}

func TestDenyAborts(t *testing.T) {
	imp := newMapImporter().addSource("secret", "token = 1\n", false)
	sink := newRecordingSink()
	e := NewExporter(sink, imp)

	if err := e.Deny([]string{"secret"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.SaveSourceString("a", "import secret\n", false, true); err != nil {
		t.Fatal(err)
	}

	err := e.Close()
	denied, ok := err.(*DeniedModuleError)
	if !ok {
		t.Fatalf("Close = %v, want DeniedModuleError", err)
	}
	if denied.Module != "secret" {
		t.Errorf("denied module = %q, want %q", denied.Module, "secret")
	}
	if !sink.closed {
		t.Error("writer must be left closed after an aborted seal")
	}
	if _, ok := sink.data[".data/extern_modules"]; ok {
		t.Error("no complete archive may be produced after a deny fault")
	}
}

func TestEmptyMatchEnforcement(t *testing.T) {
	sink := newRecordingSink()
	e := NewExporter(sink, newMapImporter())

	if err := e.Extern([]string{"never.*"}, nil, false); err != nil {
		t.Fatal(err)
	}
	if err := e.SaveSourceString("a", "x = 1", false, true); err != nil {
		t.Fatal(err)
	}

	err := e.Close()
	if _, ok := err.(*EmptyMatchError); !ok {
		t.Fatalf("Close = %v, want EmptyMatchError", err)
	}
	if !sink.closed {
		t.Error("writer must be left closed after an aborted seal")
	}
}

func TestPickleWithStorage(t *testing.T) {
	imp := newMapImporter().addSource("models", "net = None\n", false)
	sink := newRecordingSink()
	e := NewExporter(sink, imp)

	if err := e.Intern([]string{"models"}, nil, true); err != nil {
		t.Fatal(err)
	}

	st := &testStorage{tag: "FloatStorage", location: "cuda:0", payload: []byte{1, 2, 3, 4}}
	obj := pickle.Object{
		Class: pickle.Global{Module: "models", Name: "Net"},
		State: map[string]interface{}{"weights": st},
	}
	if err := e.SavePickle("pkg", "obj", obj, true); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	payload, ok := sink.data["pkg/obj"]
	if !ok {
		t.Fatal("pickle payload missing at pkg/obj")
	}
	if _, err := pickle.GenOps(payload); err != nil {
		t.Errorf("emitted payload does not walk cleanly: %v", err)
	}
	if _, ok := sink.data["models.py"]; !ok {
		t.Error("probe did not pull the object's class module into the archive")
	}
	storage, ok := sink.data[".data/0.storage"]
	if !ok {
		t.Fatal("storage record missing at .data/0.storage")
	}
	if !bytes.Equal(storage, []byte{1, 2, 3, 4}) {
		t.Errorf("storage bytes = %v, want payload moved to the local device intact", storage)
	}
}

func TestUnclassifiedModule(t *testing.T) {
	imp := newMapImporter().addSource("helper", "h = 1\n", false)
	sink := newRecordingSink()
	e := NewExporter(sink, imp)

	if err := e.SaveSourceString("a", "import helper\n", false, true); err != nil {
		t.Fatal(err)
	}

	err := e.Close()
	uerr, ok := err.(*UnclassifiedModuleError)
	if !ok {
		t.Fatalf("Close = %v, want UnclassifiedModuleError", err)
	}
	if !reflect.DeepEqual(uerr.Modules, []string{"helper"}) {
		t.Errorf("unclassified = %v, want [helper]", uerr.Modules)
	}
	if !strings.Contains(uerr.Error(), "helper") {
		t.Errorf("diagnostic %q does not name the module", uerr.Error())
	}
}

func TestSourceUnavailableForInterned(t *testing.T) {
	imp := newMapImporter().addSourceless("native")
	sink := newRecordingSink()
	e := NewExporter(sink, imp)

	if err := e.Intern([]string{"native"}, nil, true); err != nil {
		t.Fatal(err)
	}
	err := e.SaveModule("native", true)
	if !importer.IsSourceUnavailable(err) {
		t.Fatalf("SaveModule = %v, want source-unavailable", err)
	}
}

func TestDispositionsPartition(t *testing.T) {
	imp := newMapImporter().
		addSource("keep", "", false).
		addSource("fake", "", false).
		addSourceless("sys")
	sink := newRecordingSink()
	e := NewExporter(sink, imp)

	if err := e.Mock([]string{"fake"}, nil, true); err != nil {
		t.Fatal(err)
	}
	if err := e.Intern([]string{"keep"}, nil, true); err != nil {
		t.Fatal(err)
	}
	if err := e.Extern([]string{"sys"}, nil, true); err != nil {
		t.Fatal(err)
	}
	if err := e.SaveSourceString("a", "import keep\nimport fake\nimport sys\n", false, true); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	sets := map[string][]string{
		"interned": e.internModules.names(),
		"mocked":   e.mockModules.names(),
		"externed": e.externModules.names(),
	}
	seen := make(map[string]string)
	total := 0
	for which, names := range sets {
		for _, n := range names {
			if prev, ok := seen[n]; ok {
				t.Errorf("%s is in both %s and %s", n, prev, which)
			}
			seen[n] = which
			total++
		}
	}
	if total != len(e.graph.Nodes()) {
		t.Errorf("dispositions cover %d names, graph has %d nodes", total, len(e.graph.Nodes()))
	}
	if seen["fake"] != "mocked" || seen["keep"] != "interned" || seen["sys"] != "externed" || seen["a"] != "interned" {
		t.Errorf("unexpected partition: %v", seen)
	}
}

func TestImplicitExternDisallowList(t *testing.T) {
	// sys and io offer system-level access and must not be auto
	// externed; with no covering rule they are unclassified instead.
	imp := newMapImporter().addSource("io", "x = 1\n", false)
	sink := newRecordingSink()
	e := NewExporter(sink, imp)

	if err := e.SaveSourceString("a", "import io\nimport os\n", false, true); err != nil {
		t.Fatal(err)
	}

	err := e.Close()
	uerr, ok := err.(*UnclassifiedModuleError)
	if !ok {
		t.Fatalf("Close = %v, want UnclassifiedModuleError for io", err)
	}
	if !reflect.DeepEqual(uerr.Modules, []string{"io"}) {
		t.Errorf("unclassified = %v, want [io]", uerr.Modules)
	}
}

func TestFrameworkRootAlwaysExterned(t *testing.T) {
	imp := newMapImporter().addSourceless("torch.nn")
	sink := newRecordingSink()
	e := NewExporter(sink, imp)

	if err := e.SaveSourceString("a", "import torch.nn\n", false, true); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if got := string(sink.data[".data/extern_modules"]); got != "torch.nn\n" {
		t.Errorf("extern manifest = %q, want %q", got, "torch.nn\n")
	}
}

func TestFirstMatchWins(t *testing.T) {
	imp := newMapImporter().addSource("lib.x", "", false)

	run := func(withEarlierRule bool) (*Exporter, error) {
		e := NewExporter(newRecordingSink(), imp)
		if withEarlierRule {
			if err := e.Extern([]string{"lib.**"}, nil, true); err != nil {
				return nil, err
			}
		}
		if err := e.Mock([]string{"lib.x"}, nil, true); err != nil {
			return nil, err
		}
		if err := e.SaveSourceString("a", "import lib.x\n", false, true); err != nil {
			return nil, err
		}
		return e, e.Close()
	}

	e, err := run(true)
	if err != nil {
		t.Fatal(err)
	}
	if !e.externModules.has("lib.x") {
		t.Error("earlier extern rule should win over the later mock rule")
	}

	e, err = run(false)
	if err != nil {
		t.Fatal(err)
	}
	if !e.mockModules.has("lib.x") {
		t.Error("with the earlier rule removed, the mock rule should fire")
	}
}

func TestSaveSourceStringIdempotent(t *testing.T) {
	build := func(times int) *recordingSink {
		sink := newRecordingSink()
		e := NewExporter(sink, newMapImporter())
		for i := 0; i < times; i++ {
			if err := e.SaveSourceString("a", "x = 1", false, true); err != nil {
				t.Fatal(err)
			}
		}
		if err := e.Close(); err != nil {
			t.Fatal(err)
		}
		return sink
	}

	once, twice := build(1), build(2)
	if !reflect.DeepEqual(once.names, twice.names) {
		t.Errorf("repeat save changed record sequence: %v vs %v", once.names, twice.names)
	}
	if !bytes.Equal(once.data["a.py"], twice.data["a.py"]) {
		t.Error("repeat save changed emitted source")
	}
}

func TestSaveSourceStringRewrite(t *testing.T) {
	// Re-saving with different text is last-writer-wins.
	sink := newRecordingSink()
	e := NewExporter(sink, newMapImporter())

	if err := e.SaveSourceString("a", "x = 1", false, true); err != nil {
		t.Fatal(err)
	}
	if err := e.SaveSourceString("a", "x = 2", false, true); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if got := string(sink.data["a.py"]); got != "x = 2" {
		t.Errorf("a.py = %q, want the later text", got)
	}
}

func TestDeterminism(t *testing.T) {
	build := func() *recordingSink {
		imp := newMapImporter().
			addSource("b", "import json\n", false).
			addSourceless("json")
		sink := newRecordingSink()
		e := NewExporter(sink, imp)
		if err := e.Intern([]string{"b"}, nil, true); err != nil {
			t.Fatal(err)
		}
		if err := e.SaveSourceString("a", "import b\n", false, true); err != nil {
			t.Fatal(err)
		}
		if err := e.SavePickle("pkg", "obj", map[string]interface{}{"k": 1}, true); err != nil {
			t.Fatal(err)
		}
		if err := e.Close(); err != nil {
			t.Fatal(err)
		}
		return sink
	}

	x, y := build(), build()
	if !reflect.DeepEqual(x.names, y.names) {
		t.Fatalf("record order differs across runs: %v vs %v", x.names, y.names)
	}
	for _, n := range x.names {
		if !bytes.Equal(x.data[n], y.data[n]) {
			t.Errorf("record %s differs across runs", n)
		}
	}
}

func TestMangledNamesRejected(t *testing.T) {
	t.Run("save module", func(t *testing.T) {
		e := NewExporter(newRecordingSink(), newMapImporter())
		err := e.SaveModule("<crate_0>.foo", true)
		nf, ok := err.(*importer.NotFoundError)
		if !ok {
			t.Fatalf("got %v, want NotFoundError", err)
		}
		if !strings.Contains(nf.Reason, "re-export") {
			t.Errorf("diagnostic %q should mention re-export", nf.Reason)
		}
	})

	t.Run("save binary", func(t *testing.T) {
		e := NewExporter(newRecordingSink(), newMapImporter())
		err := e.SaveBinary("<crate_0>.pkg", "res", []byte("x"))
		if _, ok := err.(*archive.InvalidNameError); !ok {
			t.Errorf("got %v, want InvalidNameError", err)
		}
	})

	t.Run("emission", func(t *testing.T) {
		e := NewExporter(newRecordingSink(), newMapImporter())
		if err := e.SaveSourceString("<crate_1>.m", "x = 1", false, false); err != nil {
			t.Fatal(err)
		}
		err := e.Close()
		if _, ok := err.(*archive.InvalidNameError); !ok {
			t.Errorf("Close = %v, want InvalidNameError", err)
		}
	})
}

func TestInvalidQualifiedNames(t *testing.T) {
	e := NewExporter(newRecordingSink(), newMapImporter())
	fix := []string{"", "a..b", ".a", "a.", "<pkg.res>"}
	for _, name := range fix {
		err := e.SaveSourceString(name, "x = 1", false, false)
		if _, ok := err.(*archive.InvalidNameError); !ok {
			t.Errorf("SaveSourceString(%q) = %v, want InvalidNameError", name, err)
		}
	}
}

func TestOperationsAfterClose(t *testing.T) {
	e := NewExporter(newRecordingSink(), newMapImporter())
	if err := e.SaveSourceString("a", "x = 1", false, false); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	if err := e.SaveSourceString("b", "y = 2", false, false); err == nil {
		t.Error("save after Close should fail")
	}
	if err := e.Intern([]string{"b"}, nil, true); err == nil {
		t.Error("rule registration after Close should fail")
	}
	if err := e.Close(); err == nil {
		t.Error("second Close should fail")
	}
}

func TestCycleTermination(t *testing.T) {
	imp := newMapImporter().
		addSource("p", "import q\n", false).
		addSource("q", "import p\n", false)
	sink := newRecordingSink()
	e := NewExporter(sink, imp)

	if err := e.Intern([]string{"p", "q"}, nil, true); err != nil {
		t.Fatal(err)
	}
	if err := e.SaveSourceString("a", "import p\n", false, true); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	for _, rec := range []string{"a.py", "p.py", "q.py"} {
		if _, ok := sink.data[rec]; !ok {
			t.Errorf("archive is missing %s", rec)
		}
	}
}

func TestSubmoduleDisambiguation(t *testing.T) {
	// "from pack import sub": when pack.sub is a module, the
	// dependency is pack.sub and pack itself is not recorded.
	imp := newMapImporter().
		addSource("pack", "", true).
		addSource("pack.sub", "", false).
		addSource("flat", "", false)
	sink := newRecordingSink()
	e := NewExporter(sink, imp)

	if err := e.Intern([]string{"pack.**", "flat"}, nil, true); err != nil {
		t.Fatal(err)
	}
	if err := e.SaveSourceString("a", "from pack import sub\nfrom flat import thing\n", false, true); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	if e.graph.Contains("pack") {
		t.Error("pack should not be recorded when pack.sub resolves")
	}
	if !e.graph.Contains("pack.sub") {
		t.Error("pack.sub should be the recorded dependency")
	}
	if !e.graph.Contains("flat") {
		t.Error("flat should be recorded when flat.thing is an attribute")
	}
}

func TestPackageEmissionPath(t *testing.T) {
	sink := newRecordingSink()
	e := NewExporter(sink, newMapImporter())
	if err := e.SaveSourceString("pkg.sub", "y = 1\n", true, false); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := sink.data["pkg/sub/__init__.py"]; !ok {
		t.Errorf("package emission path wrong; records: %v", sink.names)
	}
}

func TestSaveTextAndBinary(t *testing.T) {
	sink := newRecordingSink()
	e := NewExporter(sink, newMapImporter())

	if err := e.SaveText("pkg", "notes.txt", "hello\n"); err != nil {
		t.Fatal(err)
	}
	if err := e.SaveBinary("pkg", "blob.bin", []byte{0, 1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := e.SaveBinary("pkg", "blob.bin", []byte{9}); err == nil {
		t.Error("duplicate resource path should fault")
	}

	if got := string(sink.data["pkg/notes.txt"]); got != "hello\n" {
		t.Errorf("pkg/notes.txt = %q", got)
	}
	if !bytes.Equal(sink.data["pkg/blob.bin"], []byte{0, 1, 2}) {
		t.Errorf("pkg/blob.bin = %v", sink.data["pkg/blob.bin"])
	}
}

func TestStorageDeduplication(t *testing.T) {
	imp := newMapImporter().addSource("models", "", false)
	sink := newRecordingSink()
	e := NewExporter(sink, imp)
	if err := e.Intern([]string{"models"}, nil, true); err != nil {
		t.Fatal(err)
	}

	st := &testStorage{tag: "FloatStorage", location: "cpu", payload: []byte{7}}
	obj := pickle.Object{
		Class: pickle.Global{Module: "models", Name: "Net"},
		State: map[string]interface{}{"w1": st, "w2": st},
	}
	if err := e.SavePickle("pkg", "obj", obj, true); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	count := 0
	for _, n := range sink.names {
		if strings.HasSuffix(n, ".storage") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("same storage emitted %d times, want once", count)
	}
}

func TestGetUniqueID(t *testing.T) {
	e := NewExporter(newRecordingSink(), newMapImporter())
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := e.GetUniqueID()
		if seen[id] {
			t.Fatalf("id %q handed out twice", id)
		}
		seen[id] = true
	}
}
