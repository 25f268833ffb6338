package sandbox

// FailureKind classifies why a compile attempt failed. Every failure
// leaving the engine carries exactly one kind; raw runtime faults never
// cross the boundary unclassified.
type FailureKind string

const (
	// FailureNonZeroExit means the compiler ran to completion and reported
	// an error through its exit code.
	FailureNonZeroExit FailureKind = "non_zero_exit"

	// FailureRuntimeFault means the compiler process died without reporting
	// an error: killed by a signal, crashed, or refused before staging.
	FailureRuntimeFault FailureKind = "runtime_fault"

	// FailureTimeout means the watchdog classified the attempt as overrun.
	FailureTimeout FailureKind = "timeout"
)

// Artifact is a successfully compiled model plus the compiler log that
// produced it.
type Artifact struct {
	Bytes []byte
	Log   string
}

// Failure is a classified compile failure with the captured log.
type Failure struct {
	Kind FailureKind
	Log  string
}

func (f *Failure) Error() string {
	return "compile failed (" + string(f.Kind) + ")"
}

// FileType selects the compiler's export format.
type FileType string

const (
	FileTypeSTL  FileType = "stl"
	FileTypeOFF  FileType = "off"
	FileTypeAMF  FileType = "amf"
	FileType3MF  FileType = "3mf"
	FileTypeSVG  FileType = "svg"
	FileTypeDXF  FileType = "dxf"
)

// Valid reports whether the file type is one the compiler can export
func (ft FileType) Valid() bool {
	switch ft {
	case FileTypeSTL, FileTypeOFF, FileTypeAMF, FileType3MF, FileTypeSVG, FileTypeDXF:
		return true
	}
	return false
}

// fallback2D is the export format used for the one re-invocation after the
// compiler reports a non-renderable solid.
const fallback2D = FileTypeSVG
