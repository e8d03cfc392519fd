package defs

const (
	EPERM  Err_t = 1
	ENOENT Err_t = 2
	EINTR  Err_t = 4
	EIO    Err_t = 5
	EAGAIN Err_t = 11
	ENOMEM Err_t = 12
	EACCES Err_t = 13
	EFAULT Err_t = 14
	EBUSY  Err_t = 16
	EEXIST Err_t = 17
	EINVAL Err_t = 22
	ENOSPC Err_t = 28
	ERANGE Err_t = 34
	ENOSYS Err_t = 38
)

type Err_t int
