package mocks

//go:generate mockgen -destination=mock_allocator.go -package=mocks github.com/vkngwrapper/arenalloc Allocator
