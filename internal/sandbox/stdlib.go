package sandbox

// stdlibModules are the top-level modules shipped with CPython 3.12. Imports
// of these never need a pip install.
var stdlibModules = map[string]struct{}{
	"__future__": {}, "_thread": {}, "abc": {}, "aifc": {}, "argparse": {}, "array": {},
	"ast": {}, "asynchat": {}, "asyncio": {}, "asyncore": {}, "atexit": {}, "audioop": {},
	"base64": {}, "bdb": {}, "binascii": {}, "bisect": {}, "builtins": {}, "bz2": {},
	"cProfile": {}, "calendar": {}, "cgi": {}, "cgitb": {}, "chunk": {}, "cmath": {},
	"cmd": {}, "code": {}, "codecs": {}, "codeop": {}, "collections": {}, "colorsys": {},
	"compileall": {}, "concurrent": {}, "configparser": {}, "contextlib": {},
	"contextvars": {}, "copy": {}, "copyreg": {}, "crypt": {}, "csv": {}, "ctypes": {},
	"curses": {}, "dataclasses": {}, "datetime": {}, "dbm": {}, "decimal": {},
	"difflib": {}, "dis": {}, "doctest": {}, "email": {}, "encodings": {}, "ensurepip": {},
	"enum": {}, "errno": {}, "faulthandler": {}, "fcntl": {}, "filecmp": {},
	"fileinput": {}, "fnmatch": {}, "fractions": {}, "ftplib": {}, "functools": {},
	"gc": {}, "getopt": {}, "getpass": {}, "gettext": {}, "glob": {}, "graphlib": {},
	"grp": {}, "gzip": {}, "hashlib": {}, "heapq": {}, "hmac": {}, "html": {}, "http": {},
	"idlelib": {}, "imaplib": {}, "imghdr": {}, "importlib": {}, "inspect": {}, "io": {},
	"ipaddress": {}, "itertools": {}, "json": {}, "keyword": {}, "lib2to3": {},
	"linecache": {}, "locale": {}, "logging": {}, "lzma": {}, "mailbox": {}, "mailcap": {},
	"marshal": {}, "math": {}, "mimetypes": {}, "mmap": {}, "modulefinder": {},
	"msilib": {}, "msvcrt": {}, "multiprocessing": {}, "netrc": {}, "nis": {},
	"nntplib": {}, "numbers": {}, "operator": {}, "optparse": {}, "os": {},
	"ossaudiodev": {}, "pathlib": {}, "pdb": {}, "pickle": {}, "pickletools": {},
	"pipes": {}, "pkgutil": {}, "platform": {}, "plistlib": {}, "poplib": {}, "posix": {},
	"posixpath": {}, "pprint": {}, "profile": {}, "pstats": {}, "pty": {}, "pwd": {},
	"py_compile": {}, "pyclbr": {}, "pydoc": {}, "queue": {}, "quopri": {}, "random": {},
	"re": {}, "readline": {}, "reprlib": {}, "resource": {}, "rlcompleter": {}, "runpy": {},
	"sched": {}, "secrets": {}, "select": {}, "selectors": {}, "shelve": {}, "shlex": {},
	"shutil": {}, "signal": {}, "site": {}, "smtplib": {}, "sndhdr": {}, "socket": {},
	"socketserver": {}, "spwd": {}, "sqlite3": {}, "ssl": {}, "stat": {}, "statistics": {},
	"string": {}, "stringprep": {}, "struct": {}, "subprocess": {}, "sunau": {},
	"symtable": {}, "sys": {}, "sysconfig": {}, "syslog": {}, "tabnanny": {}, "tarfile": {},
	"telnetlib": {}, "tempfile": {}, "termios": {}, "textwrap": {}, "threading": {},
	"time": {}, "timeit": {}, "tkinter": {}, "token": {}, "tokenize": {}, "tomllib": {},
	"trace": {}, "traceback": {}, "tracemalloc": {}, "tty": {}, "turtle": {},
	"turtledemo": {}, "types": {}, "typing": {}, "unicodedata": {}, "unittest": {},
	"urllib": {}, "uu": {}, "uuid": {}, "venv": {}, "warnings": {}, "wave": {},
	"weakref": {}, "webbrowser": {}, "winreg": {}, "winsound": {}, "wsgiref": {},
	"xdrlib": {}, "xml": {}, "xmlrpc": {}, "zipapp": {}, "zipfile": {}, "zipimport": {},
	"zlib": {}, "zoneinfo": {},
}
