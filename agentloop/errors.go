package agentloop

import "errors"

var (
	ErrOutsideRoot     = errors.New("path is outside the permitted working directory")
	ErrNotADirectory   = errors.New("not a directory")
	ErrNotAFile        = errors.New("not a regular file")
	ErrNotFound        = errors.New("file not found")
	ErrWrongType       = errors.New("unsupported file type")
	ErrNotUTF8         = errors.New("file is not valid UTF-8 text")
	ErrScriptTimeout   = errors.New("script timed out")
	ErrMalformedResult = errors.New("malformed tool call result")
	ErrDuplicateTool   = errors.New("duplicate tool name")
)
