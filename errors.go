package lfs3

// Code is one of the error codes spec.md §6.3 surfaces to callers.
// Every exported FS method that can fail returns an error wrapping one
// of these via errors.Is, matching the teacher's convention of
// sentinel errors checked with errors.Is/As rather than string
// matching.
type Code int

const (
	CodeNone Code = iota
	CodeNoEnt
	CodeExist
	CodeNotDir
	CodeIsDir
	CodeNotEmpty
	CodeNameTooLong
	CodeFBig
	CodeNoSpc
	CodeNoMem
	CodeCorrupt
	CodeInval
	CodeNotSup
	CodeNoAttr
)

// Error lets a bare Code satisfy the error interface, so callers can
// write errors.Is(err, lfs3.ErrNoEnt) against the package-level
// sentinels below without lfs3.Error's machinery.
func (c Code) Error() string { return c.String() }

func (c Code) String() string {
	switch c {
	case CodeNoEnt:
		return "NOENT"
	case CodeExist:
		return "EXIST"
	case CodeNotDir:
		return "NOTDIR"
	case CodeIsDir:
		return "ISDIR"
	case CodeNotEmpty:
		return "NOTEMPTY"
	case CodeNameTooLong:
		return "NAMETOOLONG"
	case CodeFBig:
		return "FBIG"
	case CodeNoSpc:
		return "NOSPC"
	case CodeNoMem:
		return "NOMEM"
	case CodeCorrupt:
		return "CORRUPT"
	case CodeInval:
		return "INVAL"
	case CodeNotSup:
		return "NOTSUP"
	case CodeNoAttr:
		return "NOATTR"
	default:
		return "NONE"
	}
}

// Error pairs a Code with the operation and path it occurred on, the
// shape every FS method returns (spec.md §6.3, §7 "Error handling
// design").
type Error struct {
	Code Code
	Op   string
	Path string
	Err  error // wrapped cause, if any (e.g. a *xerrors.Error from a lower layer)
}

func (e *Error) Error() string {
	if e.Path != "" {
		return e.Op + " " + e.Path + ": " + e.Code.String()
	}
	return e.Op + ": " + e.Code.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the same Code, so callers can write
// errors.Is(err, lfs3.CodeNoEnt) without needing to know about *Error.
func (e *Error) Is(target error) bool {
	if c, ok := target.(Code); ok {
		return e.Code == c
	}
	return false
}

func newErr(code Code, op, path string, cause error) error {
	return &Error{Code: code, Op: op, Path: path, Err: cause}
}

var (
	// ErrNoEnt etc. are convenience sentinels for errors.Is(err,
	// lfs3.ErrNoEnt) without constructing a Code value by hand.
	ErrNoEnt      = CodeNoEnt
	ErrExist      = CodeExist
	ErrNotDir     = CodeNotDir
	ErrIsDir      = CodeIsDir
	ErrNotEmpty   = CodeNotEmpty
	ErrNameTooLong = CodeNameTooLong
	ErrFBig       = CodeFBig
	ErrNoSpc      = CodeNoSpc
	ErrNoMem      = CodeNoMem
	ErrCorrupt    = CodeCorrupt
	ErrInval      = CodeInval
	ErrNotSup     = CodeNotSup
	ErrNoAttr     = CodeNoAttr
)

// wrapCorrupt classifies a lower-layer error (rbyd/mdir/btree/commit)
// as CORRUPT, the catch-all spec.md §6.3 assigns to "any disk-level
// validation failure" that isn't already one of our own Codes.
func wrapCorrupt(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if fe, ok := err.(*Error); ok {
		return fe
	}
	return newErr(CodeCorrupt, op, path, err)
}
