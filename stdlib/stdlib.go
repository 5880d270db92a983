// Copyright 2019 The Crate Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stdlib answers whether a top-level module name belongs to
// the Python standard library. The packager uses this to decide which
// discovered roots may be declared external automatically instead of
// being copied into the archive.
package stdlib

import "strings"

var modules map[string]struct{}

func init() {
	// Top-level module names of the CPython 3 standard library,
	// including the handful of platform-specific ones. The interpreter
	// does not export this list, so it is duplicated here.
	names := "__future__ _thread abc aifc antigravity argparse array ast asynchat asyncio " +
		"asyncore atexit audioop base64 bdb binascii binhex bisect " +
		"builtins bz2 cProfile calendar cgi cgitb chunk cmath cmd code " +
		"codecs codeop collections colorsys compileall concurrent " +
		"configparser contextlib contextvars copy copyreg crypt csv " +
		"ctypes curses dataclasses datetime dbm decimal difflib dis " +
		"distutils doctest email encodings ensurepip enum errno " +
		"faulthandler fcntl filecmp fileinput fnmatch formatter fractions " +
		"ftplib functools gc genericpath getopt getpass gettext glob " +
		"graphlib grp gzip hashlib heapq hmac html http idlelib imaplib " +
		"imghdr imp importlib inspect io ipaddress itertools json keyword " +
		"lib2to3 linecache locale logging lzma mailbox mailcap marshal " +
		"math mimetypes mmap modulefinder msilib msvcrt multiprocessing " +
		"netrc nis nntplib nt ntpath nturl2path numbers opcode operator " +
		"optparse os ossaudiodev parser pathlib pdb pickle pickletools " +
		"pipes pkgutil platform plistlib poplib posix posixpath pprint " +
		"profile pstats pty pwd py_compile pyclbr pydoc queue quopri " +
		"random re readline reprlib resource rlcompleter runpy sched " +
		"secrets select selectors shelve shlex shutil signal site smtpd " +
		"smtplib sndhdr socket socketserver spwd sqlite3 sre_compile " +
		"sre_constants sre_parse ssl stat statistics string stringprep " +
		"struct subprocess sunau symbol symtable sys sysconfig syslog " +
		"tabnanny tarfile telnetlib tempfile termios textwrap this " +
		"threading time timeit tkinter token tokenize trace traceback " +
		"tracemalloc tty turtle turtledemo types typing unicodedata " +
		"unittest urllib uu uuid venv warnings wave weakref webbrowser " +
		"winreg winsound wsgiref xdrlib xml xmlrpc zipapp zipfile " +
		"zipimport zlib zoneinfo"

	modules = make(map[string]struct{})
	for _, n := range strings.Fields(names) {
		modules[n] = struct{}{}
	}
}

// IsStdlibModule reports whether name is a top-level standard library
// module. Only root segments are meaningful; "os.path" is not a root.
func IsStdlibModule(name string) bool {
	_, ok := modules[name]
	return ok
}
