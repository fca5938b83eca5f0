package walwriter

import "os"

// pipePair is a bidirectional connection built from two unidirectional
// os.Pipe()s, since the standard library exposes no portable
// socketpair(2) equivalent. Each side gets a read end and a write end;
// cmd.ExtraFiles passes both child-side files to the re-exec'd process
// as consecutive file descriptors.
type pipePair struct {
	read  *os.File
	write *os.File
}

func (p pipePair) Read(b []byte) (int, error)  { return p.read.Read(b) }
func (p pipePair) Write(b []byte) (int, error) { return p.write.Write(b) }
func (p pipePair) Close() error {
	err := p.read.Close()
	if werr := p.write.Close(); err == nil {
		err = werr
	}
	return err
}

// newPipePairs builds the parent and child ends of one full-duplex
// connection: the parent's read end is the child's write end and vice
// versa.
func newPipePairs() (parent pipePair, child pipePair, err error) {
	parentRead, childWrite, err := os.Pipe()
	if err != nil {
		return pipePair{}, pipePair{}, err
	}
	childRead, parentWrite, err := os.Pipe()
	if err != nil {
		parentRead.Close()
		childWrite.Close()
		return pipePair{}, pipePair{}, err
	}

	parent = pipePair{read: parentRead, write: parentWrite}
	child = pipePair{read: childRead, write: childWrite}
	return parent, child, nil
}

// childExtraFiles returns the two file descriptors that must be passed
// via cmd.ExtraFiles for the child to reconstruct its pipePair: the
// child's read end (first, becomes fd 3) then its write end (fd 4).
func childExtraFiles(child pipePair) []*os.File {
	return []*os.File{child.read, child.write}
}

// closeParentCopies closes the parent process's handles to the
// child-side descriptors once the child has inherited them, so the
// parent doesn't also hold the child's pipe ends open.
func closeParentCopies(child pipePair) {
	child.read.Close()
	child.write.Close()
}
